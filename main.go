package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"challenge-escrow-system/handlers"
	"challenge-escrow-system/middleware"
	"challenge-escrow-system/models"
	"challenge-escrow-system/services"
	"challenge-escrow-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // escrow requests are small JSON bodies
	})

	// Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, Cache-Control, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Challenge{},
		&models.ChallengeTransition{},
		&models.CommitmentEntry{},
		&models.TournamentBracket{},
		&models.BracketParticipant{},
		&models.BracketMatch{},
		&models.SettlementRecord{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	balanceServiceURL := os.Getenv("BALANCE_SERVICE_URL")
	if balanceServiceURL == "" {
		log.Fatal("BALANCE_SERVICE_URL environment variable not set")
	}
	transferServiceURL := os.Getenv("TRANSFER_SERVICE_URL")
	if transferServiceURL == "" {
		log.Fatal("TRANSFER_SERVICE_URL environment variable not set")
	}
	serviceToken := os.Getenv("LEDGER_SERVICE_TOKEN")
	if serviceToken == "" {
		log.Fatal("LEDGER_SERVICE_TOKEN environment variable not set")
	}
	platformAccount := os.Getenv("PLATFORM_ACCOUNT")
	if platformAccount == "" {
		log.Fatal("PLATFORM_ACCOUNT environment variable not set")
	}

	feeRateBps := envInt64("PLATFORM_FEE_RATE_BPS", 300)
	balanceFreshness := time.Duration(envInt64("BALANCE_CACHE_TTL_SECONDS", 60)) * time.Second
	reconcileInterval := time.Duration(envInt64("RECONCILE_INTERVAL_SECONDS", 300)) * time.Second

	oracle := services.NewBalanceOracle(balanceServiceURL, serviceToken, balanceFreshness)
	ledger := services.NewCommitmentLedger(db, oracle)
	settler := services.NewSettlementDispatcher(db, services.NewHTTPTransferClient(transferServiceURL, serviceToken))
	events := services.NewEventBus()

	challengeService := services.NewChallengeService(db, ledger, settler, events, feeRateBps, platformAccount)
	challengeService.Oracle = oracle
	bracketService := services.NewBracketService(db, ledger, settler, feeRateBps, platformAccount)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconciler := workers.NewReconciler(db, reconcileInterval)
	go reconciler.Run(ctx, reconcileInterval)

	sched, err := services.StartSettlementRetryScheduler(challengeService, bracketService, settler)
	if err != nil {
		log.Fatal("failed to start settlement retry scheduler:", err)
	}
	defer func() { _ = sched.Shutdown() }()

	handlers.SetupChallengeRoutes(app, challengeService)
	handlers.SetupTournamentRoutes(app, bracketService)
	handlers.SetupSystemRoutes(app, ledger, oracle, events)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5300"
	}
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("Escrow service running on http://localhost:%s", port)
	log.Printf("Commitment reconciler running (every %s)", reconcileInterval)
	log.Println("Settlement retry job running (every 1m)")
	log.Println("GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
		log.Printf("Invalid %s value %q, using default %d", key, v, fallback)
	}
	return fallback
}
