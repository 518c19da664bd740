package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/config"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/httpx"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/inventory"
	kafkax "github.com/Kramxie/FundamentalApparel-sub000/internal/kafka"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/payments"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/paymongo"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/postgres"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/recon"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per topic
	reconciled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicPaymentReconciled, 1024)
	reconciled.Start(ctx)
	rejected := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicAllocationRejected, 256)
	rejected.Start(ctx)
	allocated := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicInventoryAllocated, 256)
	allocated.Start(ctx)

	vatRate, err := decimal.NewFromString(cfg.VATRate)
	if err != nil {
		logger.Fatal("vat rate", zap.Error(err))
	}
	fees := orders.FeeSpec{
		DeliveryFeeCents: cfg.DeliveryFeeCents,
		VATRate:          vatRate,
	}
	classifier, err := payments.NewClassifier(cfg.FullTolerance, cfg.HalfTolerance, cfg.ToleranceFloorCents)
	if err != nil {
		logger.Fatal("tolerance config", zap.Error(err))
	}

	repo := &orders.Repo{DB: db}
	allocator := &inventory.Allocator{DB: db, Log: logger}
	ledger := &recon.LedgerRepo{DB: db}
	queue := &recon.QueueRepo{DB: db}
	gateway := paymongo.NewClient(cfg.PayMongoBaseURL, cfg.PayMongoSecretKey)

	engine := &recon.Engine{
		Orders:     repo,
		Ledger:     ledger,
		Stock:      allocator,
		Classifier: classifier,
		Reconciled: reconciled,
		Rejected:   rejected,
		Allocated:  allocated,
		Redis:      rdb,
		Service:    cfg.ServiceName,
		Log:        logger,
	}

	router := httpx.NewRouter()
	auth := httpx.Authenticator(cfg.JWTSecret)

	wh := &httpx.WebhookHandler{
		Ledger:    ledger,
		Engine:    engine,
		Secret:    cfg.PayMongoWebhookSecret,
		SigHeader: cfg.PayMongoSigHeader,
		LiveMode:  cfg.PayMongoLiveMode,
		Log:       logger,
	}
	wh.Register(router)

	oh := &httpx.OrdersHandler{
		Repo:       repo,
		Allocator:  allocator,
		Engine:     engine,
		Gateway:    gateway,
		Redis:      rdb,
		Fees:       fees,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
		Log:        logger,
	}
	oh.Register(router, auth)

	ah := &httpx.AdminHandler{
		Repo:      repo,
		Allocator: allocator,
		Ledger:    ledger,
		Queue:     queue,
		Fees:      fees,
		Redis:     rdb,
		Log:       logger,
	}
	ah.Register(router, auth)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	reconciled.Close() // close inbox -> flush & close writer
	rejected.Close()
	allocated.Close()
	cancel() // stop producer loops
	reconciled.WaitClosed()
	rejected.WaitClosed()
	allocated.WaitClosed()
}
