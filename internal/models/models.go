// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package models defines the domain payloads synchronized by the engine.
// Each type is serialized only at the store/queue/gateway boundary.
package models

import "time"

// Prescription is a medication prescription captured on the device
// (manually, or via OCR/NFC ingestion upstream of this engine).
type Prescription struct {
	Medication   string     `json:"medication"`
	Dosage       string     `json:"dosage"`
	Frequency    string     `json:"frequency"`
	PrescriberID string     `json:"prescriber_id,omitempty"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// OrderItem is a single line of a pharmacy order.
type OrderItem struct {
	MedicineID string `json:"medicine_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitCents  int64  `json:"unit_cents"`
}

// Order is a pharmacy order placed from the device.
type Order struct {
	Items      []OrderItem `json:"items"`
	TotalCents int64       `json:"total_cents"`
	Currency   string      `json:"currency"`
	PharmacyID string      `json:"pharmacy_id"`
	PlacedAt   time.Time   `json:"placed_at"`
}

// Payment records a payment attempt against an order or bill.
type Payment struct {
	OrderID     string    `json:"order_id,omitempty"`
	BillID      string    `json:"bill_id,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Method      string    `json:"method"`
	PaidAt      time.Time `json:"paid_at"`
}

// Bill is an invoice issued to the user.
type Bill struct {
	Reference   string    `json:"reference"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	IssuedAt    time.Time `json:"issued_at"`
	DueAt       time.Time `json:"due_at"`
	Settled     bool      `json:"settled"`
}

// Reminder is a medication intake reminder.
type Reminder struct {
	PrescriptionID string    `json:"prescription_id,omitempty"`
	Medication     string    `json:"medication"`
	At             time.Time `json:"at"`
	Repeat         string    `json:"repeat,omitempty"` // daily, weekly, ...
	Enabled        bool      `json:"enabled"`
}

// MedicineInfo is reference data for medicine validation lookups.
// It is read-only on the device; the engine never enqueues mutations for it.
type MedicineInfo struct {
	Name         string   `json:"name"`
	ATCCode      string   `json:"atc_code,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	ActiveAgents []string `json:"active_agents,omitempty"`
	Discontinued bool     `json:"discontinued"`
}
