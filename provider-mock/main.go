package main

import (
	"encoding/json"
	"log"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"payment-sync-service/internal/payload"
)

type AnonymizeResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Checkout refs and slugs choose the mock behaviour through their prefix:
// authorized-, refused-, pending-, missing-, fail-, slow- and random-.
func main() {
	http.HandleFunc("GET /provider/checkout-intents/{ref}", checkoutHandler)
	http.HandleFunc("GET /provider/organizations/{slug}", organizationHandler)
	http.HandleFunc("POST /association-service/internal/users/{id}/anonymize", anonymizeHandler)
	http.HandleFunc("POST /notification-service/internal/users/{id}/anonymize", anonymizeHandler)

	log.Fatal(http.ListenAndServe(":8085", loggingMiddleware(countMiddleware(http.DefaultServeMux))))
}

const (
	errorRate   = 0.5
	contentType = "application/json"
)

func checkoutHandler(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if failed(w, ref) {
		return
	}

	state := "Pending"
	switch {
	case strings.HasPrefix(ref, "authorized-"):
		state = "Authorized"
	case strings.HasPrefix(ref, "refused-"):
		state = "Refused"
	}

	writeJSON(w, http.StatusOK, payload.Checkout{
		ID:         ref,
		State:      state,
		Amount:     4250,
		Date:       time.Now().UTC(),
		ReceiptURL: "https://provider.test/receipts/" + ref,
	})
}

func organizationHandler(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if failed(w, slug) {
		return
	}

	writeJSON(w, http.StatusOK, payload.Organization{
		Slug:       slug,
		Name:       strings.ToUpper(slug[:1]) + slug[1:],
		City:       "Lyon",
		PostalCode: "69001",
		Category:   "Sport",
	})
}

func anonymizeHandler(w http.ResponseWriter, r *http.Request) {
	if failed(w, r.PathValue("id")) {
		return
	}
	writeJSON(w, http.StatusOK, AnonymizeResponse{Success: true})
}

// failed writes the failure response chosen by key's prefix and reports
// whether it did.
func failed(w http.ResponseWriter, key string) bool {
	switch {
	case strings.HasPrefix(key, "missing-"):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not Found"})
		return true
	case strings.HasPrefix(key, "fail-"):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "Service Unavailable"})
		return true
	case strings.HasPrefix(key, "slow-"):
		time.Sleep(time.Duration(3+rand.IntN(6)) * time.Second)
	case strings.HasPrefix(key, "random-") && rand.Float64() < errorRate:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error"})
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
