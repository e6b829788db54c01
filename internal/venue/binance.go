package venue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/engineerr"
	"github.com/aster-quant/lick-engine/internal/model"
)

// BinanceClient wraps go-binance/v2/futures for every operation the SDK
// supports natively, falling back to a signed resty call for batch order
// placement (SPEC_FULL.md §4.2, §11). Grounded on execution_service.go's
// direct use of the same NewXxxService() chains.
type BinanceClient struct {
	sdk       *futures.Client
	http      *resty.Client
	apiKey    string
	apiSecret string
	baseURL   string
}

// NewBinanceClient constructs a client against either the live or testnet
// USDT-M futures API.
func NewBinanceClient(apiKey, apiSecret string, testnet bool) *BinanceClient {
	futures.UseTestnet = testnet
	baseURL := "https://fapi.binance.com"
	if testnet {
		baseURL = "https://testnet.binancefuture.com"
	}
	return &BinanceClient{
		sdk:       futures.NewClient(apiKey, apiSecret),
		http:      resty.New().SetTimeout(10 * time.Second).SetBaseURL(baseURL),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
	}
}

func mapSDKErr(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*futures.APIError); ok {
		return engineerr.FromVenueCode(int(apiErr.Code), apiErr.Message, err)
	}
	return engineerr.Transient("venue call failed", err)
}

func (c *BinanceClient) ExchangeInfo(ctx context.Context) (map[string]SymbolSpec, error) {
	info, err := c.sdk.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapSDKErr(err)
	}

	out := make(map[string]SymbolSpec, len(info.Symbols))
	for _, s := range info.Symbols {
		spec := SymbolSpec{
			TickSize:    decimal.NewFromFloat(0.01),
			StepSize:    decimal.NewFromFloat(0.001),
			MinNotional: decimal.Zero,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				if v, ok := f["tickSize"].(string); ok {
					if d, err := decimal.NewFromString(v); err == nil {
						spec.TickSize = d
					}
				}
			case "LOT_SIZE":
				if v, ok := f["stepSize"].(string); ok {
					if d, err := decimal.NewFromString(v); err == nil {
						spec.StepSize = d
					}
				}
			case "MIN_NOTIONAL", "NOTIONAL":
				if v, ok := f["notional"].(string); ok {
					if d, err := decimal.NewFromString(v); err == nil {
						spec.MinNotional = d
					}
				}
			}
		}
		out[s.Symbol] = spec
	}
	return out, nil
}

func (c *BinanceClient) Depth(ctx context.Context, symbol string, limit int) (Depth, error) {
	res, err := c.sdk.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return Depth{}, mapSDKErr(err)
	}
	d := Depth{}
	for _, b := range res.Bids {
		price, _ := decimal.NewFromString(b.Price)
		qty, _ := decimal.NewFromString(b.Quantity)
		d.Bids = append(d.Bids, DepthLevel{Price: price, Qty: qty})
	}
	for _, a := range res.Asks {
		price, _ := decimal.NewFromString(a.Price)
		qty, _ := decimal.NewFromString(a.Quantity)
		d.Asks = append(d.Asks, DepthLevel{Price: price, Qty: qty})
	}
	return d, nil
}

func toSDKSide(s model.Side) futures.SideType {
	if s == model.SideBuy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func toSDKPositionSide(p model.PositionSide) futures.PositionSideType {
	if p == model.PositionLong {
		return futures.PositionSideTypeLong
	}
	return futures.PositionSideTypeShort
}

func (c *BinanceClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlacedOrder, error) {
	svc := c.sdk.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toSDKSide(req.Side)).
		Type(futures.OrderType(req.Type)).
		PositionSide(toSDKPositionSide(req.PositionSide))

	if !req.Qty.IsZero() {
		svc = svc.Quantity(req.Qty.String())
	}
	if !req.Price.IsZero() {
		svc = svc.Price(req.Price.String())
	}
	if !req.StopPrice.IsZero() {
		svc = svc.StopPrice(req.StopPrice.String())
	}
	if req.TimeInForce != "" {
		svc = svc.TimeInForce(futures.TimeInForceType(req.TimeInForce))
	}
	if req.WorkingType != "" {
		svc = svc.WorkingType(futures.WorkingType(req.WorkingType))
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	}
	if req.PriceProtect {
		svc = svc.PriceProtect(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return PlacedOrder{}, mapSDKErr(err)
	}

	executed, _ := decimal.NewFromString(res.ExecutedQuantity)
	avg, _ := decimal.NewFromString(res.AvgPrice)
	return PlacedOrder{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Status:        model.OrderStatus(res.Status),
		ExecutedQty:   executed,
		AvgPrice:      avg,
	}, nil
}

// batchOrderPayload mirrors the JSON shape Binance expects for
// POST /fapi/v1/batchOrders, which the SDK version in use does not expose.
type batchOrderPayload struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide,omitempty"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity,omitempty"`
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stopPrice,omitempty"`
	TimeInForce   string `json:"timeInForce,omitempty"`
	WorkingType   string `json:"workingType,omitempty"`
	ReduceOnly    string `json:"reduceOnly,omitempty"`
	ClosePosition string `json:"closePosition,omitempty"`
	PriceProtect  string `json:"priceProtect,omitempty"`
	NewClientOrderID string `json:"newClientOrderId,omitempty"`
}

// PlaceBatchOrders issues up to 5 orders in one signed call, grounded on the
// batch-orders endpoint the Protection Manager's rebuild protocol prefers
// (SPEC_FULL.md §4.8 step 3).
func (c *BinanceClient) PlaceBatchOrders(ctx context.Context, reqs []PlaceOrderRequest) ([]PlacedOrder, error) {
	payloads := make([]batchOrderPayload, 0, len(reqs))
	for _, r := range reqs {
		p := batchOrderPayload{
			Symbol:       r.Symbol,
			Side:         string(r.Side),
			PositionSide: string(r.PositionSide),
			Type:         string(r.Type),
			TimeInForce:  r.TimeInForce,
			WorkingType:  string(r.WorkingType),
		}
		if !r.Qty.IsZero() {
			p.Quantity = r.Qty.String()
		}
		if !r.Price.IsZero() {
			p.Price = r.Price.String()
		}
		if !r.StopPrice.IsZero() {
			p.StopPrice = r.StopPrice.String()
		}
		if r.ReduceOnly {
			p.ReduceOnly = "true"
		}
		if r.ClosePosition {
			p.ClosePosition = "true"
		}
		if r.PriceProtect {
			p.PriceProtect = "true"
		}
		if r.ClientOrderID != "" {
			p.NewClientOrderID = r.ClientOrderID
		}
		payloads = append(payloads, p)
	}

	var sdkResults []*futures.CreateOrderResponse
	resp, err := c.signedRequest(ctx, "POST", "/fapi/v1/batchOrders", map[string]string{
		"batchOrders": mustJSON(payloads),
	}, &sdkResults)
	if err != nil {
		return nil, err
	}
	_ = resp

	out := make([]PlacedOrder, 0, len(sdkResults))
	for _, r := range sdkResults {
		executed, _ := decimal.NewFromString(r.ExecutedQuantity)
		avg, _ := decimal.NewFromString(r.AvgPrice)
		out = append(out, PlacedOrder{
			OrderID:       strconv.FormatInt(r.OrderID, 10),
			ClientOrderID: r.ClientOrderID,
			Status:        model.OrderStatus(r.Status),
			ExecutedQty:   executed,
			AvgPrice:      avg,
		})
	}
	return out, nil
}

func (c *BinanceClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return engineerr.InvalidParamVenue("order id not numeric", 0, err)
	}
	_, err = c.sdk.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		mapped := mapSDKErr(err)
		if e, ok := engineerr.As(mapped); ok && e.Code == engineerr.OrderNotFound {
			return nil // already terminal: idempotent per SPEC_FULL.md §8
		}
		return mapped
	}
	return nil
}

func (c *BinanceClient) CancelAllOpen(ctx context.Context, symbol string) error {
	_, err := c.sdk.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	return mapSDKErr(err)
}

func (c *BinanceClient) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	res, err := c.sdk.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapSDKErr(err)
	}
	out := make([]OpenOrder, 0, len(res))
	for _, o := range res {
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		out = append(out, OpenOrder{
			OrderID:      strconv.FormatInt(o.OrderID, 10),
			Symbol:       o.Symbol,
			Side:         model.Side(o.Side),
			PositionSide: model.PositionSide(o.PositionSide),
			Type:         OrderType(o.Type),
			Qty:          qty,
			ReduceOnly:   o.ReduceOnly,
		})
	}
	return out, nil
}

func (c *BinanceClient) Account(ctx context.Context) (decimal.Decimal, error) {
	res, err := c.sdk.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, mapSDKErr(err)
	}
	for _, a := range res.Assets {
		if a.Asset == "USDT" {
			d, _ := decimal.NewFromString(a.AvailableBalance)
			return d, nil
		}
	}
	return decimal.Zero, nil
}

func (c *BinanceClient) PositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	res, err := c.sdk.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapSDKErr(err)
	}
	out := make([]PositionRisk, 0, len(res))
	for _, p := range res {
		amt, _ := decimal.NewFromString(p.PositionAmt)
		entry, _ := decimal.NewFromString(p.EntryPrice)
		side := model.PositionLong
		if amt.IsNegative() {
			side = model.PositionShort
		}
		out = append(out, PositionRisk{
			Symbol:       p.Symbol,
			PositionSide: side,
			PositionAmt:  amt,
			EntryPrice:   entry,
		})
	}
	return out, nil
}

func (c *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.sdk.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return tolerateNoChange(err)
}

func (c *BinanceClient) SetMarginType(ctx context.Context, symbol string, marginType model.MarginType) error {
	mt := futures.MarginTypeIsolated
	if marginType == model.MarginCross {
		mt = futures.MarginTypeCrossed
	}
	err := c.sdk.NewChangeMarginTypeService().Symbol(symbol).MarginType(mt).Do(ctx)
	return tolerateNoChange(err)
}

func (c *BinanceClient) SetPositionMode(ctx context.Context, hedge bool) error {
	err := c.sdk.NewChangePositionModeService().DualSide(hedge).Do(ctx)
	return tolerateNoChange(err)
}

// tolerateNoChange swallows the venue's "no need to change" rejection, which
// is expected and harmless when the engine re-asserts idempotent state
// (SPEC_FULL.md §4.6 step 6).
func tolerateNoChange(err error) error {
	if err == nil {
		return nil
	}
	mapped := mapSDKErr(err)
	if e, ok := engineerr.As(mapped); ok && e.VenueCode == -4046 {
		return nil
	}
	return mapped
}

func (c *BinanceClient) CreateListenKey(ctx context.Context) (string, error) {
	key, err := c.sdk.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", mapSDKErr(err)
	}
	return key, nil
}

func (c *BinanceClient) KeepAliveListenKey(ctx context.Context, key string) error {
	err := c.sdk.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx)
	return mapSDKErr(err)
}

func (c *BinanceClient) DeleteListenKey(ctx context.Context, key string) error {
	err := c.sdk.NewCloseUserStreamService().ListenKey(key).Do(ctx)
	return mapSDKErr(err)
}

func mustJSON(v any) string {
	b, err := jsonMarshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (c *BinanceClient) signedRequest(ctx context.Context, method, path string, form map[string]string, out any) (*resty.Response, error) {
	ts := time.Now().UnixMilli()
	query := signQuery(c.apiSecret, form, ts)
	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(out)

	resp, err := req.Execute(method, fmt.Sprintf("%s?%s", path, query))
	if err != nil {
		return nil, engineerr.Transient("batch order request failed", err)
	}
	if resp.StatusCode() == 429 {
		return nil, engineerr.RateLimitedErr("batch order rate limited", nil)
	}
	if resp.StatusCode() == 418 {
		return nil, engineerr.BannedUntil("batch order IP banned", nil)
	}
	if resp.StatusCode() >= 400 {
		return nil, engineerr.UnknownVenueErr(string(resp.Body()), resp.StatusCode(), nil)
	}
	return resp, nil
}
