package backend

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// OrderType selects the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LO"
	OrderTypeMarket OrderType = "MO"
)

// TimeInForce controls how long an order rests.
type TimeInForce string

const (
	TimeInForceDay             TimeInForce = "Day"
	TimeInForceGoodTilCanceled TimeInForce = "GTC"
	TimeInForceGoodTilDate     TimeInForce = "GTD"
)

// OrderStatus is the lifecycle state reported by the backend.
type OrderStatus string

const (
	OrderStatusNew            OrderStatus = "NewStatus"
	OrderStatusPartialFilled  OrderStatus = "PartialFilledStatus"
	OrderStatusFilled         OrderStatus = "FilledStatus"
	OrderStatusCanceled       OrderStatus = "CanceledStatus"
	OrderStatusRejected       OrderStatus = "RejectedStatus"
	OrderStatusPendingCancel  OrderStatus = "PendingCancelStatus"
	OrderStatusPendingReplace OrderStatus = "PendingReplaceStatus"
	OrderStatusExpired        OrderStatus = "ExpiredStatus"
)

// OrderRequest is a new order submission.
type OrderRequest struct {
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"order_type"`
	Quantity    string      `json:"submitted_quantity"`
	LimitPrice  string      `json:"submitted_price,omitempty"`
	TimeInForce TimeInForce `json:"time_in_force"`
	ExpireDate  string      `json:"expire_date,omitempty"`
	Remark      string      `json:"remark,omitempty"`
}

// PlacedOrder acknowledges an accepted order.
type PlacedOrder struct {
	OrderID string `json:"order_id"`
}

// ReplaceOrderRequest amends quantity and/or price of a resting order.
type ReplaceOrderRequest struct {
	OrderID    string `json:"order_id"`
	Quantity   string `json:"quantity"`
	LimitPrice string `json:"price,omitempty"`
	Remark     string `json:"remark,omitempty"`
}

// OrderFilter narrows a ListOrders call. Zero value means today's orders
// with no status restriction.
type OrderFilter struct {
	Symbol string
	Status []OrderStatus
	Side   OrderSide
}

// Order is the backend's view of an order.
type Order struct {
	OrderID          string      `json:"order_id"`
	Symbol           string      `json:"symbol"`
	StockName        string      `json:"stock_name,omitempty"`
	Side             OrderSide   `json:"side"`
	Type             OrderType   `json:"order_type"`
	Status           OrderStatus `json:"status"`
	Quantity         string      `json:"quantity"`
	ExecutedQuantity string      `json:"executed_quantity,omitempty"`
	Price            string      `json:"price,omitempty"`
	ExecutedPrice    string      `json:"executed_price,omitempty"`
	TimeInForce      TimeInForce `json:"time_in_force"`
	SubmittedAt      time.Time   `json:"submitted_at"`
	UpdatedAt        time.Time   `json:"updated_at,omitzero"`
	Msg              string      `json:"msg,omitempty"`
}

// Execution is a single fill.
type Execution struct {
	TradeID  string    `json:"trade_id"`
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Quantity string    `json:"quantity"`
	Price    string    `json:"price"`
	TradedAt time.Time `json:"trade_done_at"`
}

// Quote is a real-time snapshot for one symbol.
type Quote struct {
	Symbol      string    `json:"symbol"`
	LastDone    string    `json:"last_done"`
	Open        string    `json:"open"`
	High        string    `json:"high"`
	Low         string    `json:"low"`
	PrevClose   string    `json:"prev_close"`
	Volume      int64     `json:"volume"`
	Turnover    string    `json:"turnover"`
	TradeStatus string    `json:"trade_status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CandlePeriod selects the bar size for historical candles.
type CandlePeriod string

const (
	CandlePeriodMinute     CandlePeriod = "1m"
	CandlePeriodFiveMinute CandlePeriod = "5m"
	CandlePeriodFifteenMin CandlePeriod = "15m"
	CandlePeriodHour       CandlePeriod = "60m"
	CandlePeriodDay        CandlePeriod = "day"
	CandlePeriodWeek       CandlePeriod = "week"
	CandlePeriodMonth      CandlePeriod = "month"
)

// CandleQuery describes a history candles read.
type CandleQuery struct {
	Symbol string
	Period CandlePeriod
	Count  int
}

// Candle is one OHLCV bar.
type Candle struct {
	Close     string    `json:"close"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Volume    int64     `json:"volume"`
	Turnover  string    `json:"turnover"`
	Timestamp time.Time `json:"timestamp"`
}

// Balance is the account cash state for one currency.
type Balance struct {
	Currency         string `json:"currency"`
	TotalCash        string `json:"total_cash"`
	AvailableCash    string `json:"available_cash"`
	FrozenCash       string `json:"frozen_cash,omitempty"`
	BuyPower         string `json:"buy_power"`
	MaxFinanceAmount string `json:"max_finance_amount,omitempty"`
	NetAssets        string `json:"net_assets,omitempty"`
}

// Position is one open stock position.
type Position struct {
	Symbol            string `json:"symbol"`
	SymbolName        string `json:"symbol_name,omitempty"`
	Quantity          string `json:"quantity"`
	AvailableQuantity string `json:"available_quantity,omitempty"`
	Currency          string `json:"currency"`
	CostPrice         string `json:"cost_price"`
	Market            string `json:"market,omitempty"`
}

// CashFlowQuery describes a cash flow read over a closed date range.
type CashFlowQuery struct {
	Start  time.Time
	End    time.Time
	Symbol string
}

// CashFlow is one account cash movement.
type CashFlow struct {
	TransactionFlowName string    `json:"transaction_flow_name"`
	Direction           int       `json:"direction"`
	BusinessType        int       `json:"business_type"`
	Balance             string    `json:"balance"`
	Currency            string    `json:"currency"`
	BusinessTime        time.Time `json:"business_time"`
	Symbol              string    `json:"symbol,omitempty"`
	Description         string    `json:"description,omitempty"`
}
