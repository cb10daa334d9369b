package services

import "github.com/am-ricci/casaflow/backend/models"

// InvoiceTranslations contains all text that appears on invoice PDFs.
type InvoiceTranslations struct {
	Invoice        string
	Paid           string
	Unpaid         string
	BillTo         string
	Property       string
	InvoiceDetails string
	Period         string
	IssueDate      string
	DueDate        string
	Description    string
	Amount         string
	Total          string
	PaymentInfo    string
	AccountHolder  string
	Bank           string
	Reference      string
	PleasePayBy    string
	ThankYou       string
	ScanToPay      string

	// Item type translations
	Rent               string
	Electricity        string
	ElectricityLaundry string
	Water              string
	Gas                string
	Tari               string
	MeterFee           string
	Deposit            string
	Other              string
}

// GetTranslations returns the invoice texts for a language. Italian is the
// default.
func GetTranslations(language string) InvoiceTranslations {
	switch language {
	case "de": // German
		return InvoiceTranslations{
			Invoice:        "Rechnung",
			Paid:           "BEZAHLT",
			Unpaid:         "OFFEN",
			BillTo:         "Rechnungsempfänger",
			Property:       "Immobilie",
			InvoiceDetails: "Rechnungsdetails",
			Period:         "Zeitraum",
			IssueDate:      "Rechnungsdatum",
			DueDate:        "Fällig am",
			Description:    "Beschreibung",
			Amount:         "Betrag",
			Total:          "Gesamt",
			PaymentInfo:    "Zahlungsinformationen",
			AccountHolder:  "Kontoinhaber",
			Bank:           "Bank",
			Reference:      "Verwendungszweck",
			PleasePayBy:    "Bitte zahlen Sie bis",
			ThankYou:       "Vielen Dank für Ihre Zahlung!",
			ScanToPay:      "Mit der Banking-App scannen und bezahlen",

			Rent:               "Miete",
			Electricity:        "Strom",
			ElectricityLaundry: "Strom Waschküche",
			Water:              "Wasser",
			Gas:                "Gas",
			Tari:               "Abfallgebühr (TARI)",
			MeterFee:           "Zählergrundgebühr",
			Deposit:            "Kaution",
			Other:              "Sonstiges",
		}
	case "en": // English
		return InvoiceTranslations{
			Invoice:        "Invoice",
			Paid:           "PAID",
			Unpaid:         "UNPAID",
			BillTo:         "Bill To",
			Property:       "Property",
			InvoiceDetails: "Invoice Details",
			Period:         "Period",
			IssueDate:      "Issue Date",
			DueDate:        "Due Date",
			Description:    "Description",
			Amount:         "Amount",
			Total:          "Total",
			PaymentInfo:    "Payment Information",
			AccountHolder:  "Account Holder",
			Bank:           "Bank",
			Reference:      "Reference",
			PleasePayBy:    "Please pay by",
			ThankYou:       "Thank you for your payment!",
			ScanToPay:      "Scan with your banking app to pay",

			Rent:               "Rent",
			Electricity:        "Electricity",
			ElectricityLaundry: "Laundry electricity",
			Water:              "Water",
			Gas:                "Gas",
			Tari:               "Waste tax (TARI)",
			MeterFee:           "Meter standing charge",
			Deposit:            "Security deposit",
			Other:              "Other",
		}
	default: // Italian
		return InvoiceTranslations{
			Invoice:        "Fattura",
			Paid:           "PAGATA",
			Unpaid:         "DA PAGARE",
			BillTo:         "Intestata a",
			Property:       "Immobile",
			InvoiceDetails: "Dettagli fattura",
			Period:         "Periodo",
			IssueDate:      "Data emissione",
			DueDate:        "Scadenza",
			Description:    "Descrizione",
			Amount:         "Importo",
			Total:          "Totale",
			PaymentInfo:    "Informazioni di pagamento",
			AccountHolder:  "Intestatario del conto",
			Bank:           "Banca",
			Reference:      "Causale",
			PleasePayBy:    "Si prega di pagare entro",
			ThankYou:       "Grazie per il pagamento!",
			ScanToPay:      "Inquadra con l'app della tua banca per pagare",

			Rent:               "Canone di locazione",
			Electricity:        "Elettricità",
			ElectricityLaundry: "Elettricità lavanderia",
			Water:              "Acqua",
			Gas:                "Gas",
			Tari:               "TARI (tassa rifiuti)",
			MeterFee:           "Quota fissa contatori",
			Deposit:            "Deposito cauzionale",
			Other:              "Altro",
		}
	}
}

// TranslateItemType maps an invoice line type to its display label.
func TranslateItemType(itemType string, t InvoiceTranslations) string {
	switch itemType {
	case models.ItemRent:
		return t.Rent
	case models.ItemElectricity:
		return t.Electricity
	case models.ItemElectricityLaundry:
		return t.ElectricityLaundry
	case models.ItemWater:
		return t.Water
	case models.ItemGas:
		return t.Gas
	case models.ItemTari:
		return t.Tari
	case models.ItemMeterFee:
		return t.MeterFee
	case models.ItemEntry:
		return t.Deposit
	case models.ItemOther:
		return t.Other
	default:
		return itemType
	}
}
