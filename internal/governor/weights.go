package governor

// Weight returns the request weight for a named endpoint per Binance's
// published static table (SPEC_FULL.md §4.1). limit is used only for
// "depth"; every other endpoint, "kline" included, has a fixed weight.
func Weight(endpoint string, limit int) int {
	switch endpoint {
	case "depth":
		switch {
		case limit <= 50:
			return 2
		case limit <= 100:
			return 5
		case limit <= 500:
			return 10
		case limit <= 1000:
			return 20
		default:
			return 50
		}
	case "kline":
		return 1
	case "exchange_info":
		return 1
	case "place_order", "cancel_order", "cancel_all_open":
		return 1
	case "place_batch_orders":
		return 5
	case "account":
		return 5
	case "position_risk":
		return 5
	case "leverage", "margin_type", "position_mode":
		return 1
	case "listen_key_create", "listen_key_keepalive", "listen_key_delete":
		return 1
	case "all_symbols_price", "all_symbols_book_ticker":
		return 40
	default:
		return 1
	}
}

// IsOrderEndpoint reports whether endpoint consumes the order-count budget
// in addition to the weight budget.
func IsOrderEndpoint(endpoint string) bool {
	switch endpoint {
	case "place_order", "place_batch_orders", "cancel_order", "cancel_all_open":
		return true
	default:
		return false
	}
}
