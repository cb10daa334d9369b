package main

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/am-ricci/casaflow/backend/config"
	"github.com/am-ricci/casaflow/backend/database"
	"github.com/am-ricci/casaflow/backend/handlers"
	"github.com/am-ricci/casaflow/backend/middleware"
	"github.com/am-ricci/casaflow/backend/services"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC RECOVERED: %v", err)
				log.Printf("Stack trace: %s", debug.Stack())

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "Internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s - completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func main() {
	log.Println("Starting CasaFlow...")
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()

	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	eventsHub := services.NewEventsHub()
	readingService := services.NewReadingService(db, eventsHub)
	billingService := services.NewBillingService(db, eventsHub)
	leaseService := services.NewLeaseService(db, billingService)
	mailer := services.NewMailer(db)
	pdfGenerator := services.NewPDFGenerator(db, cfg.InvoicesDir)
	collectors := services.NewCollectorManager(db, readingService, billingService)
	scheduler := services.NewReminderScheduler(db, billingService, mailer, eventsHub)

	collectors.Start()
	go scheduler.Start()

	authHandler := handlers.NewAuthHandler(db, cfg.JWTSecret)
	userHandler := handlers.NewUserHandler(db)
	apartmentHandler := handlers.NewApartmentHandler(db, cfg.UploadsDir)
	tenantHandler := handlers.NewTenantHandler(db, cfg.UploadsDir)
	leaseHandler := handlers.NewLeaseHandler(db, leaseService, cfg.UploadsDir)
	utilityHandler := handlers.NewUtilityHandler(readingService, billingService)
	invoiceHandler := handlers.NewInvoiceHandler(db, billingService, pdfGenerator, mailer)
	settingsHandler := handlers.NewSettingsHandler(db, billingService, mailer)
	meterLinkHandler := handlers.NewMeterLinkHandler(db, collectors)
	dashboardHandler := handlers.NewDashboardHandler(db)
	exportHandler := handlers.NewExportHandler(db, cfg.DatabasePath)

	loginLimiter := middleware.NewLoginRateLimiter()

	r := mux.NewRouter()

	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/api/auth/login", loginLimiter.Wrap(authHandler.Login)).Methods("POST")
	r.HandleFunc("/health", healthCheck).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	api.HandleFunc("/auth/me", authHandler.Me).Methods("GET")
	api.HandleFunc("/auth/change-password", authHandler.ChangePassword).Methods("POST")

	api.HandleFunc("/users", middleware.RequireRole("admin", userHandler.List)).Methods("GET")
	api.HandleFunc("/users", middleware.RequireRole("admin", userHandler.Create)).Methods("POST")
	api.HandleFunc("/users/{id}", middleware.RequireRole("admin", userHandler.Get)).Methods("GET")
	api.HandleFunc("/users/{id}", middleware.RequireRole("admin", userHandler.Update)).Methods("PUT")
	api.HandleFunc("/users/{id}", middleware.RequireRole("admin", userHandler.Delete)).Methods("DELETE")

	api.HandleFunc("/apartments", apartmentHandler.List).Methods("GET")
	api.HandleFunc("/apartments", apartmentHandler.Create).Methods("POST")
	api.HandleFunc("/apartments/{id}", apartmentHandler.Get).Methods("GET")
	api.HandleFunc("/apartments/{id}", apartmentHandler.Update).Methods("PUT")
	api.HandleFunc("/apartments/{id}", apartmentHandler.Delete).Methods("DELETE")
	api.HandleFunc("/apartments/{id}/images", apartmentHandler.UploadImages).Methods("POST")
	api.HandleFunc("/apartments/{id}/images", apartmentHandler.DeleteImage).Methods("DELETE")
	api.HandleFunc("/apartments/{id}/maintenance", apartmentHandler.ListMaintenance).Methods("GET")
	api.HandleFunc("/apartments/{id}/maintenance", apartmentHandler.AddMaintenance).Methods("POST")
	api.HandleFunc("/maintenance/{id}", apartmentHandler.UpdateMaintenance).Methods("PUT")
	api.HandleFunc("/maintenance/{id}", apartmentHandler.DeleteMaintenance).Methods("DELETE")

	api.HandleFunc("/tenants", tenantHandler.List).Methods("GET")
	api.HandleFunc("/tenants", tenantHandler.Create).Methods("POST")
	api.HandleFunc("/tenants/{id}", tenantHandler.Get).Methods("GET")
	api.HandleFunc("/tenants/{id}", tenantHandler.Update).Methods("PUT")
	api.HandleFunc("/tenants/{id}", tenantHandler.Delete).Methods("DELETE")
	api.HandleFunc("/tenants/{id}/documents", tenantHandler.UploadDocument).Methods("POST")

	api.HandleFunc("/leases", leaseHandler.List).Methods("GET")
	api.HandleFunc("/leases", leaseHandler.Create).Methods("POST")
	api.HandleFunc("/leases/expiring-soon", leaseHandler.ExpiringSoon).Methods("GET")
	api.HandleFunc("/leases/documents/{id}", leaseHandler.DeleteDocument).Methods("DELETE")
	api.HandleFunc("/leases/payments/{id}", leaseHandler.DeletePayment).Methods("DELETE")
	api.HandleFunc("/leases/{id}", leaseHandler.Get).Methods("GET")
	api.HandleFunc("/leases/{id}", leaseHandler.Update).Methods("PUT")
	api.HandleFunc("/leases/{id}", leaseHandler.Delete).Methods("DELETE")
	api.HandleFunc("/leases/{id}/terminate", leaseHandler.Terminate).Methods("POST")
	api.HandleFunc("/leases/{id}/documents", leaseHandler.ListDocuments).Methods("GET")
	api.HandleFunc("/leases/{id}/documents", leaseHandler.UploadDocument).Methods("POST")
	api.HandleFunc("/leases/{id}/payments", leaseHandler.ListPayments).Methods("GET")
	api.HandleFunc("/leases/{id}/payments", leaseHandler.AddPayment).Methods("POST")

	api.HandleFunc("/utilities", utilityHandler.List).Methods("GET")
	api.HandleFunc("/utilities", utilityHandler.Create).Methods("POST")
	api.HandleFunc("/utilities/bulk", utilityHandler.CreateBulk).Methods("POST")
	api.HandleFunc("/utilities/types", utilityHandler.Types).Methods("GET")
	api.HandleFunc("/utilities/last-reading", utilityHandler.Last).Methods("GET")
	api.HandleFunc("/utilities/summary", utilityHandler.Summary).Methods("GET")
	api.HandleFunc("/utilities/statistics", utilityHandler.Statistics).Methods("GET")
	api.HandleFunc("/utilities/{id}", utilityHandler.Get).Methods("GET")
	api.HandleFunc("/utilities/{id}", utilityHandler.Update).Methods("PUT")
	api.HandleFunc("/utilities/{id}", utilityHandler.Delete).Methods("DELETE")
	api.HandleFunc("/utilities/{id}/mark-paid", utilityHandler.MarkPaid).Methods("POST")

	api.HandleFunc("/invoices", invoiceHandler.List).Methods("GET")
	api.HandleFunc("/invoices/generate-monthly", invoiceHandler.GenerateMonthly).Methods("POST")
	api.HandleFunc("/invoices/generate-from-lease", invoiceHandler.GenerateEntry).Methods("POST")
	api.HandleFunc("/invoices/send-bulk-reminders", invoiceHandler.SendBulkReminders).Methods("POST")
	api.HandleFunc("/invoices/overdue", invoiceHandler.Overdue).Methods("GET")
	api.HandleFunc("/invoices/statistics", invoiceHandler.Statistics).Methods("GET")
	api.HandleFunc("/invoices/{id}", invoiceHandler.Get).Methods("GET")
	api.HandleFunc("/invoices/{id}", invoiceHandler.Delete).Methods("DELETE")
	api.HandleFunc("/invoices/{id}/mark-as-paid", invoiceHandler.MarkAsPaid).Methods("POST")
	api.HandleFunc("/invoices/{id}/payment-records", invoiceHandler.ListPaymentRecords).Methods("GET")
	api.HandleFunc("/invoices/{id}/payment-records", invoiceHandler.AddPaymentRecord).Methods("POST")
	api.HandleFunc("/invoices/{id}/send-reminder", invoiceHandler.SendReminder).Methods("POST")
	api.HandleFunc("/invoices/{id}/pdf", invoiceHandler.DownloadPDF).Methods("GET")

	api.HandleFunc("/settings/billing-defaults", settingsHandler.GetBillingDefaults).Methods("GET")
	api.HandleFunc("/settings/billing-defaults", settingsHandler.UpdateBillingDefaults).Methods("PUT")
	api.HandleFunc("/settings/bank", settingsHandler.GetBankSettings).Methods("GET")
	api.HandleFunc("/settings/bank", settingsHandler.UpdateBankSettings).Methods("PUT")
	api.HandleFunc("/settings/smtp", settingsHandler.GetSMTPSettings).Methods("GET")
	api.HandleFunc("/settings/smtp", settingsHandler.UpdateSMTPSettings).Methods("PUT")
	api.HandleFunc("/settings/smtp/test", settingsHandler.TestEmail).Methods("POST")
	api.HandleFunc("/settings/logs", settingsHandler.Logs).Methods("GET")

	api.HandleFunc("/meter-links", meterLinkHandler.List).Methods("GET")
	api.HandleFunc("/meter-links", meterLinkHandler.Create).Methods("POST")
	api.HandleFunc("/meter-links/status", meterLinkHandler.Status).Methods("GET")
	api.HandleFunc("/meter-links/{id}", meterLinkHandler.Get).Methods("GET")
	api.HandleFunc("/meter-links/{id}", meterLinkHandler.Update).Methods("PUT")
	api.HandleFunc("/meter-links/{id}", meterLinkHandler.Delete).Methods("DELETE")

	api.HandleFunc("/dashboard/stats", dashboardHandler.GetStats).Methods("GET")
	api.HandleFunc("/dashboard/revenue", dashboardHandler.GetRevenue).Methods("GET")
	api.HandleFunc("/dashboard/recent-activity", dashboardHandler.GetActivity).Methods("GET")

	api.HandleFunc("/export", exportHandler.ExportData).Methods("GET")
	api.HandleFunc("/backup", middleware.RequireRole("admin", exportHandler.Backup)).Methods("GET")

	api.HandleFunc("/events/ws", func(w http.ResponseWriter, r *http.Request) {
		userID, _ := r.Context().Value(middleware.UserIDKey).(int)
		eventsHub.ServeWS(w, r, userID)
	}).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	})

	handler := c.Handler(r)

	server := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  180 * time.Second,
	}

	log.Printf("Server starting on %s", cfg.ServerAddress)
	log.Println("Collectors running (hourly sweep, one reading per meter per day)")
	log.Println("Default credentials: admin / admin123")
	log.Println("IMPORTANT: Change default password after first login!")
	log.Println("===========================================")

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}
