package models

import "time"

// Utility chain types. Subtype distinguishes sub-meters sharing a utility
// type, e.g. the laundry electricity meter.
const (
	UtilityElectricity = "electricity"
	UtilityWater       = "water"
	UtilityGas         = "gas"

	SubtypeLaundry = "laundry"
)

// Invoice line item types. Closed set: the composer and the cascade
// recalculator switch exhaustively over these.
const (
	ItemRent               = "rent"
	ItemElectricity        = "electricity"
	ItemWater              = "water"
	ItemGas                = "gas"
	ItemElectricityLaundry = "electricity_laundry"
	ItemTari               = "tari"
	ItemMeterFee           = "meter_fee"
	ItemEntry              = "entry"
	ItemOther              = "other"
)

const (
	AutomationManual    = "manual"
	AutomationImmediate = "immediate"
	AutomationScheduled = "scheduled"
)

const (
	ApartmentAvailable   = "available"
	ApartmentOccupied    = "occupied"
	ApartmentMaintenance = "maintenance"
)

type User struct {
	ID           int        `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	FullName     string     `json:"fullName"`
	Email        string     `json:"email"`
	Role         string     `json:"role"`
	IsActive     bool       `json:"isActive"`
	LastLogin    *time.Time `json:"lastLogin"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type Apartment struct {
	ID                int       `json:"id"`
	UserID            int       `json:"userId"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	Floor             int       `json:"floor"`
	SquareMeters      float64   `json:"squareMeters"`
	Rooms             int       `json:"rooms"`
	Bathrooms         int       `json:"bathrooms"`
	HasBalcony        bool      `json:"hasBalcony"`
	HasParking        bool      `json:"hasParking"`
	IsFurnished       bool      `json:"isFurnished"`
	MonthlyRent       float64   `json:"monthlyRent"`
	Status            string    `json:"status"`
	IsAvailable       bool      `json:"isAvailable"`
	Notes             string    `json:"notes"`
	UtilityMetersInfo string    `json:"utilityMetersInfo"`
	Amenities         []string  `json:"amenities"`
	Images            []string  `json:"images"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type Tenant struct {
	ID                 int       `json:"id"`
	UserID             int       `json:"userId"`
	FirstName          string    `json:"firstName"`
	LastName           string    `json:"lastName"`
	Email              string    `json:"email"`
	Phone              string    `json:"phone"`
	DocumentType       string    `json:"documentType"`
	DocumentNumber     string    `json:"documentNumber"`
	DocumentExpiryDate string    `json:"documentExpiryDate"`
	DocumentFrontImage string    `json:"documentFrontImage"`
	DocumentBackImage  string    `json:"documentBackImage"`
	Address            string    `json:"address"`
	CommunicationPrefs CommPrefs `json:"communicationPreferences"`
	Notes              string    `json:"notes"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type CommPrefs struct {
	Email    bool `json:"email"`
	SMS      bool `json:"sms"`
	WhatsApp bool `json:"whatsapp"`
}

type Lease struct {
	ID                 int     `json:"id"`
	UserID             int     `json:"userId"`
	TenantID           int     `json:"tenantId"`
	ApartmentID        int     `json:"apartmentId"`
	StartDate          string  `json:"startDate"`
	EndDate            string  `json:"endDate"`
	MonthlyRent        float64 `json:"monthlyRent"`
	SecurityDeposit    float64 `json:"securityDeposit"`
	PaymentDueDay      int     `json:"paymentDueDay"`
	TermsAndConditions string  `json:"termsAndConditions"`
	SpecialClauses     string  `json:"specialClauses"`
	Notes              string  `json:"notes"`

	// Baseline pointers: id of the reading last consumed by a generated
	// invoice, per utility sub-chain. Advanced only by invoice generation.
	ElectricityReadingID        *int `json:"electricityReadingId"`
	WaterReadingID              *int `json:"waterReadingId"`
	GasReadingID                *int `json:"gasReadingId"`
	ElectricityLaundryReadingID *int `json:"electricityLaundryReadingId"`

	IsActive  bool      `json:"isActive"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type LeaseDocument struct {
	ID         int       `json:"id"`
	LeaseID    int       `json:"leaseId"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Path       string    `json:"path"`
	UploadDate string    `json:"uploadDate"`
	CreatedAt  time.Time `json:"createdAt"`
}

type LeasePayment struct {
	ID          int       `json:"id"`
	LeaseID     int       `json:"leaseId"`
	Amount      float64   `json:"amount"`
	PaymentDate string    `json:"paymentDate"`
	PaymentType string    `json:"paymentType"`
	Reference   string    `json:"reference"`
	Notes       string    `json:"notes"`
	CreatedAt   time.Time `json:"createdAt"`
}

type UtilityReading struct {
	ID               int       `json:"id"`
	ApartmentID      int       `json:"apartmentId"`
	UserID           int       `json:"userId"`
	Type             string    `json:"type"`
	Subtype          *string   `json:"subtype"`
	ReadingDate      string    `json:"readingDate"`
	PreviousReading  float64   `json:"previousReading"`
	CurrentReading   float64   `json:"currentReading"`
	Consumption      float64   `json:"consumption"`
	UnitCost         float64   `json:"unitCost"`
	TotalCost        float64   `json:"totalCost"`
	IsPaid           bool      `json:"isPaid"`
	PaidDate         *string   `json:"paidDate"`
	Notes            string    `json:"notes"`
	IsSpecialReading bool      `json:"isSpecialReading"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type UtilityTypeConfig struct {
	Type        string  `json:"type"`
	Label       string  `json:"label"`
	Unit        string  `json:"unit"`
	Icon        string  `json:"icon"`
	Color       string  `json:"color"`
	DefaultCost float64 `json:"defaultCost"`
}

type UnitCosts struct {
	Electricity float64 `json:"electricity"`
	Water       float64 `json:"water"`
	Gas         float64 `json:"gas"`
}

type BillingDefaults struct {
	ID             int       `json:"id"`
	UserID         int       `json:"userId"`
	Tari           float64   `json:"tari"`
	MeterFee       float64   `json:"meterFee"`
	UnitCosts      UnitCosts `json:"unitCosts"`
	AutomationType string    `json:"automationType"`
	AutomationDays int       `json:"automationDays"`
	UpdatedBy      *int      `json:"updatedBy"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Invoice struct {
	ID            int           `json:"id"`
	UserID        int           `json:"userId"`
	LeaseID       int           `json:"leaseId"`
	TenantID      int           `json:"tenantId"`
	ApartmentID   int           `json:"apartmentId"`
	InvoiceNumber string        `json:"invoiceNumber"`
	Month         int           `json:"month"`
	Year          int           `json:"year"`
	IssueDate     string        `json:"issueDate"`
	DueDate       string        `json:"dueDate"`
	Subtotal      float64       `json:"subtotal"`
	Tax           float64       `json:"tax"`
	Total         float64       `json:"total"`
	IsPaid        bool          `json:"isPaid"`
	PaymentDate   *string       `json:"paymentDate"`
	PaymentMethod *string       `json:"paymentMethod"`
	Notes         string        `json:"notes"`
	ReminderSent  bool          `json:"reminderSent"`
	ReminderDate  *string       `json:"reminderDate"`
	PDFPath       string        `json:"pdfPath,omitempty"`
	Items         []InvoiceItem `json:"items,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

type InvoiceItem struct {
	ID          int     `json:"id"`
	InvoiceID   int     `json:"invoiceId"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Type        string  `json:"type"`
}

type PaymentRecord struct {
	ID            int       `json:"id"`
	InvoiceID     int       `json:"invoiceId"`
	Amount        float64   `json:"amount"`
	PaymentDate   string    `json:"paymentDate"`
	PaymentMethod string    `json:"paymentMethod"`
	Reference     string    `json:"reference"`
	Notes         string    `json:"notes"`
	CreatedAt     time.Time `json:"createdAt"`
}

type MaintenanceRecord struct {
	ID          int       `json:"id"`
	UserID      int       `json:"userId"`
	ApartmentID int       `json:"apartmentId"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Cost        float64   `json:"cost"`
	Date        string    `json:"date"`
	CompletedBy string    `json:"completedBy"`
	Notes       string    `json:"notes"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MeterLink connects an apartment utility chain to a physical smart meter.
// Collectors use ConnectionConfig (JSON) to reach the device and append
// readings through the normal chain path.
type MeterLink struct {
	ID               int        `json:"id"`
	UserID           int        `json:"userId"`
	ApartmentID      int        `json:"apartmentId"`
	Type             string     `json:"type"`
	Subtype          *string    `json:"subtype"`
	ConnectionType   string     `json:"connectionType"`
	ConnectionConfig string     `json:"connectionConfig"`
	UnitCost         float64    `json:"unitCost"`
	IsActive         bool       `json:"isActive"`
	LastValue        float64    `json:"lastValue"`
	LastCollectedAt  *time.Time `json:"lastCollectedAt"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type AdminLog struct {
	ID        int       `json:"id"`
	UserID    *int      `json:"userId"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	IPAddress string    `json:"ipAddress"`
	CreatedAt time.Time `json:"createdAt"`
}

type DashboardStats struct {
	TotalApartments     int     `json:"totalApartments"`
	AvailableApartments int     `json:"availableApartments"`
	OccupiedApartments  int     `json:"occupiedApartments"`
	TotalTenants        int     `json:"totalTenants"`
	ActiveLeases        int     `json:"activeLeases"`
	ExpiringLeases      int     `json:"expiringLeases"`
	UnpaidInvoices      int     `json:"unpaidInvoices"`
	OverdueInvoices     int     `json:"overdueInvoices"`
	MonthRevenue        float64 `json:"monthRevenue"`
	YearRevenue         float64 `json:"yearRevenue"`
	OutstandingAmount   float64 `json:"outstandingAmount"`
}
