package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nationalpos/backend/internal/app"
	"nationalpos/backend/internal/config"
	"nationalpos/backend/internal/httpapi"
	"nationalpos/backend/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logging.Module(logger, "server")
	if err := validateSecurityConfig(cfg); err != nil {
		log.WithError(err).Fatal("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	application, err := app.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer application.Close()

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN)
	api := httpapi.New(application.Engine, application.Stock, application.Loyalty, application.Alerts, auth, httpapi.Config{
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logger,
		Metrics:       application.Metrics,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Address()).Info("nationalpos backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

var weakPINs = map[string]bool{
	"123456": true, "654321": true, "121212": true,
	"112233": true, "123123": true, "696969": true,
}

// validatePINStrength rejects digit-only checks a shoulder-surfer would guess
// first: repeated digits, runs and common picks.
func validatePINStrength(pin string) error {
	for _, c := range pin {
		if c < '0' || c > '9' {
			return errors.New("PIN must be digits only")
		}
	}
	if weakPINs[pin] {
		return errors.New("common PIN not allowed")
	}

	allSame := true
	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
		}
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	switch {
	case allSame:
		return errors.New("all-same-digit PIN not allowed")
	case ascending || descending:
		return errors.New("sequential PIN not allowed")
	}
	return nil
}
