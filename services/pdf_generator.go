package services

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"

	"github.com/am-ricci/casaflow/backend/models"
)

// PDFGenerator renders invoice PDFs and caches the file path on the invoice
// row so later downloads skip the render.
type PDFGenerator struct {
	db        *sql.DB
	outputDir string
}

func NewPDFGenerator(db *sql.DB, outputDir string) *PDFGenerator {
	return &PDFGenerator{db: db, outputDir: outputDir}
}

type invoiceParty struct {
	Name    string
	Email   string
	Address string
}

type bankInfo struct {
	AccountHolder string
	IBAN          string
	BIC           string
	BankName      string
}

func (pg *PDFGenerator) GenerateInvoicePDF(invoice *models.Invoice) (string, error) {
	t := GetTranslations("it")

	tenant := pg.loadTenant(invoice.TenantID)
	apartment := pg.loadApartment(invoice.ApartmentID)
	landlord := pg.loadLandlord(invoice.UserID)
	bank := pg.loadBankInfo(invoice.UserID)

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	// Header
	pdf.SetFont("Arial", "B", 24)
	pdf.SetTextColor(37, 99, 235)
	pdf.Cell(0, 10, tr(t.Invoice))
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, "#"+invoice.InvoiceNumber)
	pdf.Ln(10)

	// Status badge
	if invoice.IsPaid {
		pdf.SetFillColor(212, 237, 218)
		pdf.SetTextColor(21, 87, 36)
	} else {
		pdf.SetFillColor(255, 243, 205)
		pdf.SetTextColor(133, 100, 4)
	}
	pdf.SetFont("Arial", "B", 9)
	status := t.Unpaid
	if invoice.IsPaid {
		status = t.Paid
	}
	pdf.CellFormat(30, 6, tr(status), "", 0, "C", true, 0, "")
	pdf.Ln(12)

	// Landlord block
	if landlord.Name != "" {
		pdf.SetFont("Arial", "B", 10)
		pdf.SetTextColor(0, 0, 0)
		pdf.Cell(0, 5, tr(landlord.Name))
		pdf.Ln(4)
		if landlord.Email != "" {
			pdf.SetFont("Arial", "", 9)
			pdf.Cell(0, 4, tr(landlord.Email))
			pdf.Ln(4)
		}
		pdf.Ln(4)
	}

	// Bill to
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, tr(strings.ToUpper(t.BillTo)))
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.Cell(0, 5, tr(tenant.Name))
	pdf.Ln(4)
	pdf.SetFont("Arial", "", 9)
	if tenant.Address != "" {
		pdf.Cell(0, 4, tr(tenant.Address))
		pdf.Ln(4)
	}
	if tenant.Email != "" {
		pdf.Cell(0, 4, tr(tenant.Email))
		pdf.Ln(4)
	}
	pdf.Ln(4)

	// Property
	if apartment.Name != "" {
		pdf.SetFont("Arial", "B", 10)
		pdf.SetTextColor(100, 100, 100)
		pdf.Cell(0, 6, tr(strings.ToUpper(t.Property)))
		pdf.Ln(6)

		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(0, 0, 0)
		pdf.Cell(0, 4, tr(apartment.Name))
		pdf.Ln(4)
		if apartment.Address != "" {
			pdf.Cell(0, 4, tr(apartment.Address))
			pdf.Ln(4)
		}
		pdf.Ln(4)
	}

	// Invoice details
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, tr(strings.ToUpper(t.InvoiceDetails)))
	pdf.Ln(6)

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(0, 0, 0)
	pdf.Cell(0, 4, tr(fmt.Sprintf("%s: %02d/%d", t.Period, invoice.Month, invoice.Year)))
	pdf.Ln(4)
	pdf.Cell(0, 4, tr(fmt.Sprintf("%s: %s", t.IssueDate, italianDate(invoice.IssueDate))))
	pdf.Ln(4)
	pdf.Cell(0, 4, tr(fmt.Sprintf("%s: %s", t.DueDate, italianDate(invoice.DueDate))))
	pdf.Ln(10)

	// Items table
	pdf.SetFillColor(249, 249, 249)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(130, 8, tr(t.Description), "B", 0, "L", true, 0, "")
	pdf.CellFormat(50, 8, tr(t.Amount), "B", 0, "R", true, 0, "")
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 9)
	for _, item := range invoice.Items {
		description := item.Description
		if description == "" {
			description = TranslateItemType(item.Type, t)
		}
		pdf.CellFormat(130, 6, tr(description), "", 0, "L", false, 0, "")
		pdf.CellFormat(50, 6, tr(fmt.Sprintf("EUR %.2f", item.Amount)), "", 0, "R", false, 0, "")
		pdf.Ln(6)
	}
	pdf.Ln(5)

	// Total
	pdf.SetFillColor(249, 249, 249)
	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 14, tr(fmt.Sprintf("%s: EUR %.2f", t.Total, invoice.Total)), "", 0, "R", true, 0, "")
	pdf.Ln(20)

	// Payment block
	if bank.IBAN != "" && bank.AccountHolder != "" {
		pdf.SetFont("Arial", "B", 10)
		pdf.SetTextColor(100, 100, 100)
		pdf.Cell(0, 6, tr(strings.ToUpper(t.PaymentInfo)))
		pdf.Ln(6)

		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(0, 0, 0)
		if bank.BankName != "" {
			pdf.Cell(0, 4, tr(t.Bank+": "+bank.BankName))
			pdf.Ln(4)
		}
		pdf.Cell(0, 4, tr(t.AccountHolder+": "+bank.AccountHolder))
		pdf.Ln(4)
		pdf.Cell(0, 4, "IBAN: "+tr(bank.IBAN))
		pdf.Ln(4)
		if bank.BIC != "" {
			pdf.Cell(0, 4, "BIC: "+tr(bank.BIC))
			pdf.Ln(4)
		}
		pdf.Cell(0, 4, tr(t.Reference+": "+t.Invoice+" "+invoice.InvoiceNumber))
		pdf.Ln(8)

		if invoice.IsPaid {
			pdf.SetFont("Arial", "I", 9)
			pdf.Cell(0, 5, tr(t.ThankYou))
			pdf.Ln(5)
		} else {
			pdf.SetFont("Arial", "", 9)
			pdf.Cell(0, 5, tr(t.PleasePayBy+" "+italianDate(invoice.DueDate)))
			pdf.Ln(5)
		}

		// EPC QR page, only for unpaid invoices
		if !invoice.IsPaid {
			if qrData := buildEPCQRData(bank, invoice, t); qrData != "" {
				pg.addQRPage(pdf, tr, t, qrData, bank, invoice)
			}
		}
	}

	if err := os.MkdirAll(pg.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create invoices directory: %v", err)
	}

	path := filepath.Join(pg.outputDir, invoice.InvoiceNumber+".pdf")
	if err := pdf.OutputFileAndClose(path); err != nil {
		return "", fmt.Errorf("failed to save PDF: %v", err)
	}

	// Cache the path so the next download skips the render.
	if _, err := pg.db.Exec(`UPDATE invoices SET pdf_path = ? WHERE id = ?`, path, invoice.ID); err != nil {
		log.Printf("[PDF] Failed to cache path for invoice %s: %v", invoice.InvoiceNumber, err)
	}

	log.Printf("[PDF] ✓ Generated %s.pdf", invoice.InvoiceNumber)
	return path, nil
}

func (pg *PDFGenerator) addQRPage(pdf *gofpdf.Fpdf, tr func(string) string, t InvoiceTranslations, qrData string, bank bankInfo, invoice *models.Invoice) {
	tempQR := filepath.Join(os.TempDir(), fmt.Sprintf("epcqr_%s.png", invoice.InvoiceNumber))
	if err := qrcode.WriteFile(qrData, qrcode.Medium, 280, tempQR); err != nil {
		log.Printf("[PDF] Failed to generate QR code: %v", err)
		return
	}
	defer os.Remove(tempQR)

	pdf.AddPage()
	pdf.Ln(20)
	pdf.SetFont("Arial", "B", 18)
	pdf.SetTextColor(37, 99, 235)
	pdf.Cell(0, 10, tr(t.PaymentInfo))
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 5, tr(t.ScanToPay))
	pdf.Ln(10)

	pdf.ImageOptions(tempQR, 55, 70, 100, 100, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")

	pdf.Ln(110)
	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.Cell(0, 5, tr(t.Invoice+": "+invoice.InvoiceNumber))
	pdf.Ln(5)
	pdf.Cell(0, 5, tr(fmt.Sprintf("%s: EUR %.2f", t.Total, invoice.Total)))
	pdf.Ln(5)
	pdf.Cell(0, 5, "IBAN: "+tr(bank.IBAN))
	pdf.Ln(5)
	pdf.Cell(0, 5, tr(t.AccountHolder+": "+bank.AccountHolder))
}

// buildEPCQRData assembles the EPC069-12 "BCD" payload consumed by European
// banking apps for SEPA credit transfers.
func buildEPCQRData(bank bankInfo, invoice *models.Invoice, t InvoiceTranslations) string {
	iban := stripSpaces(strings.ToUpper(bank.IBAN))
	if len(iban) < 15 {
		log.Printf("[PDF] IBAN too short for payment QR: %s", bank.IBAN)
		return ""
	}

	lines := []string{
		"BCD",                              // service tag
		"002",                              // version, BIC optional
		"1",                                // charset UTF-8
		"SCT",                              // SEPA credit transfer
		truncate(stripSpaces(bank.BIC), 11),
		truncate(bank.AccountHolder, 70),
		iban,
		fmt.Sprintf("EUR%.2f", invoice.Total),
		"", // purpose code
		"", // structured remittance
		truncate(t.Invoice+" "+invoice.InvoiceNumber, 140),
	}
	return strings.Join(lines, "\n")
}

func (pg *PDFGenerator) loadTenant(tenantID int) invoiceParty {
	var firstName, lastName string
	var email, address sql.NullString
	err := pg.db.QueryRow(`
		SELECT first_name, last_name, email, address
		FROM tenants WHERE id = ?
	`, tenantID).Scan(&firstName, &lastName, &email, &address)
	if err != nil {
		log.Printf("[PDF] Failed to load tenant %d: %v", tenantID, err)
		return invoiceParty{}
	}
	return invoiceParty{
		Name:    strings.TrimSpace(firstName + " " + lastName),
		Email:   email.String,
		Address: address.String,
	}
}

func (pg *PDFGenerator) loadApartment(apartmentID int) invoiceParty {
	var name string
	var address sql.NullString
	err := pg.db.QueryRow(`
		SELECT name, address FROM apartments WHERE id = ?
	`, apartmentID).Scan(&name, &address)
	if err != nil {
		log.Printf("[PDF] Failed to load apartment %d: %v", apartmentID, err)
		return invoiceParty{}
	}
	return invoiceParty{Name: name, Address: address.String}
}

func (pg *PDFGenerator) loadLandlord(userID int) invoiceParty {
	var fullName, email sql.NullString
	err := pg.db.QueryRow(`
		SELECT full_name, email FROM users WHERE id = ?
	`, userID).Scan(&fullName, &email)
	if err != nil {
		return invoiceParty{}
	}
	return invoiceParty{Name: fullName.String, Email: email.String}
}

func (pg *PDFGenerator) loadBankInfo(userID int) bankInfo {
	var holder, iban, bic, bankName sql.NullString
	err := pg.db.QueryRow(`
		SELECT account_holder, iban, bic, bank_name
		FROM bank_settings WHERE user_id = ?
	`, userID).Scan(&holder, &iban, &bic, &bankName)
	if err != nil {
		return bankInfo{}
	}
	return bankInfo{
		AccountHolder: holder.String,
		IBAN:          iban.String,
		BIC:           bic.String,
		BankName:      bankName.String,
	}
}

// italianDate turns a stored ISO date into dd/mm/yyyy for display.
func italianDate(isoDate string) string {
	parsed, err := time.Parse("2006-01-02", isoDate)
	if err != nil {
		return isoDate
	}
	return parsed.Format("02/01/2006")
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
