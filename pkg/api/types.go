package api

// REST request/response shapes. Amounts travel as decimal strings; ids are
// plain integers.

type OrderInfo struct {
	ID        uint64 `json:"id"`
	Maker     string `json:"maker"`
	SrcAmount string `json:"srcAmount"`
	DstAmount string `json:"dstAmount"`
	PrevID    uint64 `json:"prevId"`
	NextID    uint64 `json:"nextId"`
	Live      bool   `json:"live"`
}

type BookResponse struct {
	Side   string      `json:"side"`
	Orders []OrderInfo `json:"orders"`
}

type MakerInfo struct {
	Address       string `json:"address"`
	StakeTotal    string `json:"stakeTotal"`
	RequiredStake string `json:"requiredStake"`
	FreeStake     string `json:"freeStake"`
	LockedValue   string `json:"lockedValue"`
}

type SubmitOrderRequest struct {
	Maker      string `json:"maker"`
	Side       string `json:"side"` // "buy" or "sell"
	SrcAmount  string `json:"srcAmount"`
	DstAmount  string `json:"dstAmount"`
	HintPrevID uint64 `json:"hintPrevId,omitempty"`
}

type SubmitOrderResponse struct {
	OrderID uint64 `json:"orderId"`
}

type UpdateOrderRequest struct {
	OrderID    uint64 `json:"orderId"`
	SrcAmount  string `json:"srcAmount"`
	DstAmount  string `json:"dstAmount"`
	HintPrevID uint64 `json:"hintPrevId,omitempty"`
}

type CancelOrderRequest struct {
	OrderID uint64 `json:"orderId"`
}

type TakeRequest struct {
	Side   string `json:"side"`
	Amount string `json:"amount"`
}

type TakeResponse struct {
	Filled    string `json:"filled"`
	Remainder string `json:"remainder"`
}

type BalanceRequest struct {
	Maker  string `json:"maker"`
	Asset  string `json:"asset,omitempty"` // empty for stake movements
	Amount string `json:"amount"`
}

type HintResponse struct {
	PrevID uint64 `json:"prevId"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// WSSubscribeRequest is the only inbound WebSocket message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// TradeMessage is broadcast on the "trades" channel after every fill.
type TradeMessage struct {
	Channel   string `json:"channel"`
	Side      string `json:"side"`
	OrderID   uint64 `json:"orderId"`
	Maker     string `json:"maker"`
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	Partial   bool   `json:"partial"`
	Timestamp int64  `json:"timestamp"`
}
