package models

import "time"

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusComplete  OrderStatus = "COMPLETE"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// OrderRequest is a broker-neutral order. Adapters translate it into
// their vendor's wire format.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Kind         OrderKind
	Product      Product
	Quantity     int
	Price        float64 // limit price, ignored for market orders
	TriggerPrice float64 // stop-loss trigger, SL-M only
	Validity     string  // DAY unless the vendor needs otherwise
	Tag          string
}

// Order is a normalized entry from a broker orderbook.
type Order struct {
	OrderID       string
	Symbol        string
	Exchange      Exchange
	Side          Side
	Kind          OrderKind
	Product       Product
	Status        OrderStatus
	Quantity      int
	FilledQty     int
	Price         float64
	TriggerPrice  float64
	AveragePrice  float64
	StatusMessage string
	PlacedAt      time.Time
}
