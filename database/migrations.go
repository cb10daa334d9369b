package database

import (
	"database/sql"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

func RunMigrations(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			full_name TEXT,
			email TEXT,
			role TEXT DEFAULT 'manager',
			is_active INTEGER DEFAULT 1,
			last_login DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS apartments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			floor INTEGER DEFAULT 0,
			square_meters REAL DEFAULT 0,
			rooms INTEGER DEFAULT 0,
			bathrooms INTEGER DEFAULT 0,
			has_balcony INTEGER DEFAULT 0,
			has_parking INTEGER DEFAULT 0,
			is_furnished INTEGER DEFAULT 0,
			monthly_rent REAL DEFAULT 0,
			status TEXT DEFAULT 'available',
			is_available INTEGER DEFAULT 1,
			notes TEXT,
			utility_meters_info TEXT,
			amenities TEXT,
			images TEXT,
			deleted_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,

		`CREATE TABLE IF NOT EXISTS tenants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			email TEXT,
			phone TEXT,
			document_type TEXT,
			document_number TEXT,
			document_expiry_date TEXT,
			document_front_image TEXT,
			document_back_image TEXT,
			address TEXT,
			communication_preferences TEXT,
			notes TEXT,
			deleted_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,

		`CREATE TABLE IF NOT EXISTS utility_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			apartment_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			utility_type TEXT NOT NULL,
			subtype TEXT,
			reading_date TEXT NOT NULL,
			previous_reading REAL DEFAULT 0,
			current_reading REAL DEFAULT 0,
			consumption REAL DEFAULT 0,
			unit_cost REAL DEFAULT 0,
			total_cost REAL DEFAULT 0,
			is_paid INTEGER DEFAULT 0,
			paid_date TEXT,
			notes TEXT,
			is_special_reading INTEGER DEFAULT 0,
			deleted_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (apartment_id) REFERENCES apartments(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,

		`CREATE TABLE IF NOT EXISTS leases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			tenant_id INTEGER NOT NULL,
			apartment_id INTEGER NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT NOT NULL,
			monthly_rent REAL DEFAULT 0,
			security_deposit REAL DEFAULT 0,
			payment_due_day INTEGER DEFAULT 1,
			terms_and_conditions TEXT,
			special_clauses TEXT,
			notes TEXT,
			electricity_reading_id INTEGER,
			water_reading_id INTEGER,
			gas_reading_id INTEGER,
			electricity_laundry_reading_id INTEGER,
			deleted_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (tenant_id) REFERENCES tenants(id),
			FOREIGN KEY (apartment_id) REFERENCES apartments(id),
			FOREIGN KEY (electricity_reading_id) REFERENCES utility_readings(id),
			FOREIGN KEY (water_reading_id) REFERENCES utility_readings(id),
			FOREIGN KEY (gas_reading_id) REFERENCES utility_readings(id),
			FOREIGN KEY (electricity_laundry_reading_id) REFERENCES utility_readings(id)
		)`,

		`CREATE TABLE IF NOT EXISTS lease_documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			lease_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			doc_type TEXT,
			path TEXT NOT NULL,
			upload_date TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (lease_id) REFERENCES leases(id)
		)`,

		`CREATE TABLE IF NOT EXISTS lease_payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			lease_id INTEGER NOT NULL,
			amount REAL NOT NULL,
			payment_date TEXT NOT NULL,
			payment_type TEXT,
			reference TEXT,
			notes TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (lease_id) REFERENCES leases(id)
		)`,

		`CREATE TABLE IF NOT EXISTS billing_defaults (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER UNIQUE NOT NULL,
			tari REAL NOT NULL DEFAULT 15.00,
			meter_fee REAL NOT NULL DEFAULT 3.00,
			unit_cost_electricity REAL NOT NULL DEFAULT 0.75,
			unit_cost_water REAL NOT NULL DEFAULT 3.40,
			unit_cost_gas REAL NOT NULL DEFAULT 4.45,
			automation_type TEXT DEFAULT 'manual',
			automation_days INTEGER DEFAULT 5,
			updated_by INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,

		`CREATE TABLE IF NOT EXISTS invoices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			lease_id INTEGER NOT NULL,
			tenant_id INTEGER NOT NULL,
			apartment_id INTEGER NOT NULL,
			invoice_number TEXT UNIQUE NOT NULL,
			month INTEGER,
			year INTEGER,
			issue_date TEXT NOT NULL,
			due_date TEXT,
			subtotal REAL DEFAULT 0,
			tax REAL DEFAULT 0,
			total REAL DEFAULT 0,
			is_paid INTEGER DEFAULT 0,
			payment_date TEXT,
			payment_method TEXT,
			notes TEXT,
			reminder_sent INTEGER DEFAULT 0,
			reminder_date TEXT,
			pdf_path TEXT,
			deleted_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (lease_id) REFERENCES leases(id),
			FOREIGN KEY (tenant_id) REFERENCES tenants(id),
			FOREIGN KEY (apartment_id) REFERENCES apartments(id)
		)`,

		`CREATE TABLE IF NOT EXISTS invoice_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_id INTEGER NOT NULL,
			description TEXT NOT NULL,
			amount REAL NOT NULL,
			item_type TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (invoice_id) REFERENCES invoices(id)
		)`,

		`CREATE TABLE IF NOT EXISTS payment_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_id INTEGER NOT NULL,
			amount REAL NOT NULL,
			payment_date TEXT NOT NULL,
			payment_method TEXT,
			reference TEXT,
			notes TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (invoice_id) REFERENCES invoices(id)
		)`,

		`CREATE TABLE IF NOT EXISTS maintenance_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			apartment_id INTEGER NOT NULL,
			maintenance_type TEXT NOT NULL,
			description TEXT,
			cost REAL DEFAULT 0,
			date TEXT,
			completed_by TEXT,
			notes TEXT,
			deleted_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (apartment_id) REFERENCES apartments(id)
		)`,

		`CREATE TABLE IF NOT EXISTS meter_links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			apartment_id INTEGER NOT NULL,
			utility_type TEXT NOT NULL,
			subtype TEXT,
			connection_type TEXT NOT NULL,
			connection_config TEXT NOT NULL,
			unit_cost REAL DEFAULT 0,
			is_active INTEGER DEFAULT 1,
			last_value REAL DEFAULT 0,
			last_collected_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (apartment_id) REFERENCES apartments(id)
		)`,

		`CREATE TABLE IF NOT EXISTS bank_settings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER UNIQUE NOT NULL,
			account_holder TEXT,
			iban TEXT,
			bic TEXT,
			bank_name TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,

		`CREATE TABLE IF NOT EXISTS smtp_settings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER UNIQUE NOT NULL,
			smtp_host TEXT,
			smtp_port INTEGER DEFAULT 587,
			smtp_user TEXT,
			smtp_password TEXT,
			smtp_from TEXT,
			is_enabled INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,

		`CREATE TABLE IF NOT EXISTS admin_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			details TEXT,
			user_id INTEGER,
			ip_address TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Indexes for performance
		`CREATE INDEX IF NOT EXISTS idx_readings_chain ON utility_readings(apartment_id, utility_type, subtype, reading_date, id)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_apartment ON utility_readings(apartment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_date ON utility_readings(reading_date)`,
		`CREATE INDEX IF NOT EXISTS idx_apartments_user ON apartments(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_apartments_status ON apartments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tenants_user ON tenants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_user ON leases(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_apartment ON leases(apartment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_tenant ON leases(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_dates ON leases(start_date, end_date)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_user ON invoices(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_lease ON invoices(lease_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_period ON invoices(year, month)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_reminder ON invoices(reminder_date, reminder_sent)`,
		`CREATE INDEX IF NOT EXISTS idx_invoice_items_invoice ON invoice_items(invoice_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_records_invoice ON payment_records(invoice_id)`,
		`CREATE INDEX IF NOT EXISTS idx_maintenance_apartment ON maintenance_records(apartment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_meter_links_active ON meter_links(is_active, connection_type)`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			// Log but don't fail on already-exists errors
			if !contains(err.Error(), "already exists") && !contains(err.Error(), "duplicate") {
				log.Printf("Migration %d warning: %v", i+1, err)
			}
		}
	}

	log.Println("✅ Base tables and indexes created/verified")

	// Column additions for databases created before these fields existed
	if err := addReadingChainColumns(db); err != nil {
		log.Printf("⚠️  Reading chain columns migration: %v", err)
	}

	if err := addLeaseBaselineColumns(db); err != nil {
		log.Printf("⚠️  Lease baseline columns migration: %v", err)
	}

	if err := addInvoicePDFPathColumn(db); err != nil {
		log.Printf("⚠️  Invoice pdf_path migration: %v", err)
	}

	if err := createTriggers(db); err != nil {
		log.Printf("Note: Triggers creation: %v", err)
	}

	if err := createDefaultAdmin(db); err != nil {
		return fmt.Errorf("failed to create default admin: %v", err)
	}

	log.Println("✅ All migrations completed successfully")
	return nil
}

// addReadingChainColumns adds subtype and is_special_reading to
// utility_readings. Older databases tracked a single chain per utility type
// and had no synthetic baseline rows.
func addReadingChainColumns(db *sql.DB) error {
	var tableSQL string
	err := db.QueryRow(`
		SELECT sql FROM sqlite_master
		WHERE type='table' AND name='utility_readings'
	`).Scan(&tableSQL)
	if err != nil {
		return err
	}

	if !contains(tableSQL, "subtype") {
		log.Println("Adding subtype column to utility_readings table...")
		if _, err := db.Exec(`ALTER TABLE utility_readings ADD COLUMN subtype TEXT`); err != nil {
			if !contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to add subtype column: %v", err)
			}
		}
	}

	if !contains(tableSQL, "is_special_reading") {
		log.Println("Adding is_special_reading column to utility_readings table...")
		if _, err := db.Exec(`ALTER TABLE utility_readings ADD COLUMN is_special_reading INTEGER DEFAULT 0`); err != nil {
			if !contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to add is_special_reading column: %v", err)
			}
		}
	}

	return nil
}

// addLeaseBaselineColumns adds the four baseline pointer columns to leases.
func addLeaseBaselineColumns(db *sql.DB) error {
	var tableSQL string
	err := db.QueryRow(`
		SELECT sql FROM sqlite_master
		WHERE type='table' AND name='leases'
	`).Scan(&tableSQL)
	if err != nil {
		return err
	}

	columns := []string{
		"electricity_reading_id",
		"water_reading_id",
		"gas_reading_id",
		"electricity_laundry_reading_id",
	}

	for _, col := range columns {
		if contains(tableSQL, col) {
			continue
		}
		log.Printf("Adding %s column to leases table...", col)
		stmt := fmt.Sprintf(`ALTER TABLE leases ADD COLUMN %s INTEGER REFERENCES utility_readings(id)`, col)
		if _, err := db.Exec(stmt); err != nil {
			if !contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to add %s column: %v", col, err)
			}
		}
	}

	return nil
}

// addInvoicePDFPathColumn adds pdf_path to invoices.
func addInvoicePDFPathColumn(db *sql.DB) error {
	var tableSQL string
	err := db.QueryRow(`
		SELECT sql FROM sqlite_master
		WHERE type='table' AND name='invoices'
	`).Scan(&tableSQL)
	if err != nil {
		return err
	}

	if !contains(tableSQL, "pdf_path") {
		log.Println("Adding pdf_path column to invoices table...")
		if _, err := db.Exec(`ALTER TABLE invoices ADD COLUMN pdf_path TEXT`); err != nil {
			if !contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to add pdf_path column: %v", err)
			}
		}
	}

	return nil
}

func createTriggers(db *sql.DB) error {
	tables := []string{
		"apartments",
		"tenants",
		"leases",
		"utility_readings",
		"invoices",
		"billing_defaults",
		"maintenance_records",
		"meter_links",
		"bank_settings",
		"smtp_settings",
	}

	for _, table := range tables {
		trigger := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS update_%s_timestamp
		AFTER UPDATE ON %s
		FOR EACH ROW
		BEGIN
			UPDATE %s
			SET updated_at = CURRENT_TIMESTAMP
			WHERE id = NEW.id;
		END`, table, table, table)

		if _, err := db.Exec(trigger); err != nil {
			// Triggers may already exist, don't fail
			if !contains(err.Error(), "already exists") {
				log.Printf("Note: Trigger warning: %v", err)
			}
		}
	}

	return nil
}

// Helper function to check if string contains substring
func contains(s, substr string) bool {
	return len(s) >= len(substr) && containsHelper(s, substr)
}

func containsHelper(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func createDefaultAdmin(db *sql.DB) error {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count)
	if err != nil {
		return err
	}

	if count == 0 {
		hashedPassword, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		_, err = db.Exec(`
			INSERT INTO users (username, password_hash, full_name, role)
			VALUES (?, ?, ?, ?)
		`, "admin", string(hashedPassword), "Administrator", "admin")

		if err != nil {
			return err
		}

		log.Println("✅ Default admin user created")
		log.Println("   Username: admin")
		log.Println("   Password: admin123")
		log.Println("   ⚠️  IMPORTANT: Change the default password immediately!")
	}

	return nil
}
