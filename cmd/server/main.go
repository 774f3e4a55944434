package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"adega/backend/internal/app"
	"adega/backend/internal/config"
	"adega/backend/internal/httpapi"
	"adega/backend/internal/service"
)

var log = logrus.WithField("component", "server")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := configureLogging(cfg); err != nil {
		log.Fatalf("invalid logging configuration: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	backends, err := app.OpenBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()

	a, err := app.New(ctx, backends.Options(cfg))
	if err != nil {
		return errors.Wrap(err, "start application")
	}

	auth, err := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), accounts(cfg)...)
	if err != nil {
		return err
	}
	api := httpapi.New(service.New(a), a, auth, cfg.AllowedOrigin, httpapi.WithCloudToken(cfg.CloudToken))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server.RegisterOnShutdown(api.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("adega backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("shutdown error: %v", err)
		}
		return nil
	})
	return g.Wait()
}

func accounts(cfg config.Config) []httpapi.Account {
	list := []httpapi.Account{{Username: "admin", Name: "Administrador", Role: httpapi.RoleAdmin, Password: cfg.AdminPassword}}
	if cfg.StaffPassword != "" {
		list = append(list, httpapi.Account{Username: "caixa", Name: "Caixa", Role: httpapi.RoleStaff, Password: cfg.StaffPassword})
	}
	return list
}

func configureLogging(cfg config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log format %q", cfg.LogFormat)
	}
	logrus.SetOutput(os.Stdout)
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return errors.New("ADEGA_AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AdminPassword == "" {
		return errors.New("ADEGA_ADMIN_PASSWORD must be set")
	}
	if err := validatePasswordStrength(cfg.AdminPassword); err != nil {
		return errors.Wrap(err, "ADEGA_ADMIN_PASSWORD is too weak")
	}
	if cfg.StaffPassword != "" {
		if err := validatePasswordStrength(cfg.StaffPassword); err != nil {
			return errors.Wrap(err, "ADEGA_STAFF_PASSWORD is too weak")
		}
	}
	if cfg.Remote == config.RemoteLocal && cfg.CloudToken == "" {
		log.Warn("ADEGA_CLOUD_TOKEN is empty; the cloud envelope endpoint accepts any caller")
	}
	return nil
}

// validatePasswordStrength rejects short passwords, known-weak ones, a single
// repeated character and runs like "12345678" or "abcdefgh". Bcrypt hashes
// are accepted as given.
func validatePasswordStrength(password string) error {
	if strings.HasPrefix(password, "$2") {
		return nil
	}
	if len(password) < 8 {
		return errors.New("at least 8 characters required")
	}

	known := map[string]bool{
		"password": true, "12345678": true, "87654321": true, "qwertyui": true,
		"admin123": true, "adega123": true, "changeme": true, "11111111": true,
	}
	if known[strings.ToLower(password)] {
		return errors.New("common password not allowed")
	}

	allSame := true
	for i := 1; i < len(password); i++ {
		if password[i] != password[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return errors.New("single repeated character not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(password); i++ {
		diff := int(password[i]) - int(password[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return errors.New("sequential password not allowed")
	}

	return nil
}
