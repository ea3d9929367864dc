package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/upperws/internal/server"
)

func main() {
	fmt.Println("Starting uppercase WebSocket server...")

	// Create configuration
	config := server.NewConfigFromEnv()

	srv := server.New(config, log.Default())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			log.Fatal(err)
		}
	case sig := <-stop:
		log.Printf("Received %s", sig)
		if err := srv.Shutdown(srv.Config().ShutdownTimeout); err != nil {
			log.Printf("Shutdown error: %v", err)
			os.Exit(1)
		}
	}
}
