package routes

import (
	"schoolfees_go/controllers"
	"schoolfees_go/handlers"
	"schoolfees_go/middleware"
	"schoolfees_go/services"
	"schoolfees_go/services/finance"
	"schoolfees_go/services/websocket"

	"github.com/gofiber/fiber/v2"
)

// Dependencies are the services the HTTP layer is built on. Reports, Archives and
// Line are optional.
type Dependencies struct {
	Finance            *finance.Service
	Hub                *websocket.Hub
	Health             *services.HealthService
	Reports            controllers.ReportStore
	Archives           controllers.WebhookArchives
	Line               *handlers.LineWebhookHandler
	PaymentLinkBaseURL string
}

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, deps Dependencies) {
	paymentController := controllers.NewPaymentController(deps.Finance)
	feeController := controllers.NewFeeController(deps.Finance, deps.Reports)
	concessionController := controllers.NewConcessionController(deps.Finance)
	linkController := controllers.NewPaymentLinkController(deps.Finance, deps.PaymentLinkBaseURL)
	reconciliationController := controllers.NewReconciliationController(deps.Finance, deps.Archives)
	notificationController := &controllers.NotificationController{}
	healthController := controllers.NewHealthController(deps.Health)
	wsController := controllers.NewWebSocketController(deps.Hub)
	paymentWebhook := handlers.NewPaymentWebhookHandler(deps.Finance)

	app.Get("/health", healthController.GetHealthStatus)

	// Gateway callbacks authenticate by signature, not JWT
	app.Post("/webhooks/payments/:gateway", paymentWebhook.Handle)
	if deps.Line != nil {
		app.Post("/line/webhook", deps.Line.Handle)
	}

	// WebSocket connection endpoint; the JWT travels in ?token=
	app.Get("/ws", wsController.Upgrade, wsController.Handler())

	api := app.Group("/api")

	// Public routes (no authentication required)
	public := api.Group("/public")
	public.Get("/pay/:token", linkController.ResolvePaymentLink)

	// Protected routes (require authentication)
	protected := api.Group("/", middleware.JWTMiddleware(), middleware.AuditMiddleware())
	financeStaff := middleware.RequireFinanceStaff()
	ownerOrAdmin := middleware.RequireOwnerOrAdmin()

	// Online payments
	payments := protected.Group("/payments")
	payments.Post("/requests", financeStaff, paymentController.CreatePaymentRequest)
	payments.Get("/requests", financeStaff, paymentController.ListPaymentRequests)
	payments.Get("/requests/:id", financeStaff, paymentController.GetPaymentRequest)
	payments.Post("/requests/:id/cancel", financeStaff, paymentController.CancelPaymentRequest)
	payments.Post("/verify", paymentController.VerifyPayment)

	// Fee catalog, slabs, collections and ledger
	fees := protected.Group("/fees", financeStaff)
	fees.Get("/heads", feeController.ListFeeHeads)
	fees.Post("/heads", feeController.CreateFeeHead)
	fees.Put("/heads/:id", feeController.UpdateFeeHead)
	fees.Get("/heads/:id/usage", feeController.GetFeeHeadUsage)
	fees.Delete("/heads/:id", ownerOrAdmin, feeController.DeleteFeeHead)

	fees.Get("/terms", feeController.ListFeeTerms)
	fees.Post("/terms", feeController.CreateFeeTerm)
	fees.Put("/terms/:id", feeController.UpdateFeeTerm)
	fees.Get("/terms/:id/usage", feeController.GetFeeTermUsage)
	fees.Delete("/terms/:id", ownerOrAdmin, feeController.DeleteFeeTerm)

	fees.Get("/sections/:id", feeController.GetSectionFees)
	fees.Put("/sections/:id/terms/:termId", feeController.SetSectionFees)
	fees.Post("/sections/:id/copy", feeController.CopySectionFees)
	fees.Post("/sections/:id/terms/:termId/import", feeController.ImportSectionFees)

	fees.Post("/collections", feeController.RecordCollection)
	fees.Get("/collections", feeController.ListCollections)
	fees.Get("/collections/export", feeController.ExportCollections)
	fees.Get("/students/:id/details", feeController.GetStudentFeeDetails)
	fees.Get("/students/:id/history", feeController.GetStudentPaymentHistory)
	fees.Get("/students/:id/concessions", concessionController.ListStudentConcessions)
	fees.Get("/students/:id/payment-links", linkController.ListStudentPaymentLinks)

	// Concessions and approval workflow
	concessions := protected.Group("/concessions", financeStaff)
	concessions.Get("/settings", concessionController.GetApprovalSettings)
	concessions.Put("/settings", ownerOrAdmin, concessionController.SaveApprovalSettings)
	concessions.Get("/types", concessionController.ListConcessionTypes)
	concessions.Post("/types", concessionController.CreateConcessionType)
	concessions.Put("/types/:id", concessionController.UpdateConcessionType)
	concessions.Delete("/types/:id", ownerOrAdmin, concessionController.DeleteConcessionType)
	concessions.Post("/", concessionController.AssignConcession)
	concessions.Post("/:id/approve", concessionController.ApproveConcession)
	concessions.Post("/:id/reject", concessionController.RejectConcession)
	concessions.Post("/:id/suspend", concessionController.SuspendConcession)
	concessions.Get("/:id/history", concessionController.GetConcessionHistory)

	// Payment links
	links := protected.Group("/payment-links", financeStaff)
	links.Post("/", linkController.CreatePaymentLink)
	links.Delete("/:id", linkController.DeactivatePaymentLink)

	// Reconciliation
	reconciliation := protected.Group("/reconciliation", financeStaff)
	reconciliation.Get("/exceptions", reconciliationController.ListExceptions)
	reconciliation.Post("/exceptions/:id/resolve", reconciliationController.ResolveException)
	reconciliation.Post("/scan", ownerOrAdmin, reconciliationController.RunScan)
	reconciliation.Get("/webhook-archives", ownerOrAdmin, reconciliationController.ListWebhookArchives)

	// Notification inbox
	notifications := protected.Group("/notifications")
	notifications.Get("/", notificationController.GetNotifications)
	notifications.Get("/unread-count", notificationController.GetUnreadCount)
	notifications.Patch("/mark-all-read", notificationController.MarkAllAsRead)
	notifications.Patch("/:id/read", notificationController.MarkAsRead)

	protected.Get("/ws/stats", ownerOrAdmin, wsController.GetWebSocketStats)
}
