package main

import (
	"log"

	"ghingest/service"
)

func main() {
	svc, err := service.NewService()
	if err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Printf("Error during service shutdown: %v", err)
		}
	}()

	if err := svc.Start(); err != nil {
		log.Fatalf("Service error: %v", err)
	}
}
