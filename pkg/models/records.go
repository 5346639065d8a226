package models

import "time"

// RecordKind identifies one of the six marketplace record streams the
// ingestion stage pulls and the repository stores.
type RecordKind string

const (
	KindOrders          RecordKind = "orders"
	KindShipments       RecordKind = "shipments"
	KindReturns         RecordKind = "returns"
	KindSettlements     RecordKind = "settlements"
	KindInventoryLedger RecordKind = "inventory_ledger"
	KindFinancialEvents RecordKind = "financial_events"
)

// AllRecordKinds lists every stream in a stable order. Ingestion iterates
// this slice so per-kind progress events always arrive in the same sequence.
var AllRecordKinds = []RecordKind{
	KindOrders, KindShipments, KindReturns,
	KindSettlements, KindInventoryLedger, KindFinancialEvents,
}

// SellerAccount is a connected marketplace seller. Created when the seller
// binds their account; the pipeline only ever reads it.
type SellerAccount struct {
	SellerID     string    `json:"sellerId"`
	Marketplaces []string  `json:"marketplaces"`
	ConnectedAt  time.Time `json:"connectedAt"`
	Sandbox      bool      `json:"sandbox"`
}

// Order is a marketplace sales order, immutable once ingested.
type Order struct {
	SellerID    string    `json:"sellerId"`
	OrderID     string    `json:"orderId"`
	OrderDate   time.Time `json:"orderDate"`
	TotalAmount float64   `json:"totalAmount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"` // e.g. "Shipped", "Canceled", "Pending"
	Channel     string    `json:"channel,omitempty"`
}

// ShipmentItem is a single SKU line inside an inbound shipment.
type ShipmentItem struct {
	SKU         string `json:"sku"`
	FNSKU       string `json:"fnsku,omitempty"`
	ExpectedQty int    `json:"expectedQty"`
	ReceivedQty int    `json:"receivedQty"`
}

// Shipment is an inbound shipment to a marketplace warehouse.
// MissingQty is derived during normalization: expectedQty - receivedQty.
type Shipment struct {
	SellerID    string         `json:"sellerId"`
	ShipmentID  string         `json:"shipmentId"`
	OrderID     string         `json:"orderId,omitempty"`
	ShippedDate time.Time      `json:"shippedDate"`
	ExpectedQty int            `json:"expectedQty"`
	ReceivedQty int            `json:"receivedQty"`
	MissingQty  int            `json:"missingQty"`
	Items       []ShipmentItem `json:"items,omitempty"`
}

// ReturnItem is a single SKU line inside a customer return.
type ReturnItem struct {
	SKU      string `json:"sku"`
	ASIN     string `json:"asin,omitempty"`
	Quantity int    `json:"quantity"`
}

// Return is a customer return tied to an order.
type Return struct {
	SellerID     string       `json:"sellerId"`
	ReturnID     string       `json:"returnId"`
	OrderID      string       `json:"orderId"`
	RefundAmount float64      `json:"refundAmount"`
	Currency     string       `json:"currency"`
	ReturnedDate time.Time    `json:"returnedDate"`
	Items        []ReturnItem `json:"items,omitempty"`
}

// Settlement is a periodic marketplace payout statement.
type Settlement struct {
	SellerID       string    `json:"sellerId"`
	SettlementID   string    `json:"settlementId"`
	SettlementDate time.Time `json:"settlementDate"`
	Amount         float64   `json:"amount"`
	Fees           float64   `json:"fees"`
	Currency       string    `json:"currency"`
}

// InventoryLedgerEntry is one signed inventory movement: receipts are
// positive, adjustments and losses negative. Net quantity per (sku, window)
// is the source of truth for stock reconciliation.
type InventoryLedgerEntry struct {
	SellerID  string    `json:"sellerId"`
	EventID   string    `json:"eventId"`
	SKU       string    `json:"sku"`
	FNSKU     string    `json:"fnsku,omitempty"`
	EventDate time.Time `json:"eventDate"`
	EventType string    `json:"eventType"` // "receipt"/"adjustment"/"damaged"/"lost"/"disposed"/"destroyed"
	Quantity  int       `json:"quantity"`
}

// FinancialEvent is a single money movement from the marketplace financial
// event stream: fees, refunds, reimbursements, cancellations, reversals.
// RawPayload preserves unknown upstream fields verbatim for evidence
// canonicalization; business logic never reads it.
type FinancialEvent struct {
	SellerID   string         `json:"sellerId"`
	EventID    string         `json:"eventId"`
	EventType  string         `json:"eventType"`
	Amount     float64        `json:"amount"`
	Currency   string         `json:"currency"`
	OrderID    string         `json:"orderId,omitempty"`
	SKU        string         `json:"sku,omitempty"`
	ASIN       string         `json:"asin,omitempty"`
	PostedDate time.Time      `json:"postedDate"`
	RawPayload map[string]any `json:"rawPayload,omitempty"`
}

// Snapshot is the complete ingested view of one seller's data for a sync
// window. Detection runs against a snapshot, never against live reads, so
// the output set is a pure function of its contents.
type Snapshot struct {
	SellerID    string                 `json:"sellerId"`
	WindowStart time.Time              `json:"windowStart"`
	WindowEnd   time.Time              `json:"windowEnd"`
	Orders      []Order                `json:"orders"`
	Shipments   []Shipment             `json:"shipments"`
	Returns     []Return               `json:"returns"`
	Settlements []Settlement           `json:"settlements"`
	Inventory   []InventoryLedgerEntry `json:"inventory"`
	Financial   []FinancialEvent       `json:"financial"`
}
