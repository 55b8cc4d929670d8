package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FormatQuantity floors qty to the nearest multiple of step. Quantities are
// never rounded up: rounding up could exceed the caller's available balance.
func FormatQuantity(qty, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// FormatPrice rounds price to the nearest multiple of tick, half to even.
func FormatPrice(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Cmp(decimal.Zero) <= 0 {
		return price
	}
	return price.Div(tick).RoundBank(0).Mul(tick)
}

// ValidateRequest checks an order request against the symbol's trading rules
// before normalization. It does not touch the network.
func ValidateRequest(req OrderRequest, rules Rules) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrValidation)
	}
	if req.Side != Buy && req.Side != Sell {
		return fmt.Errorf("%w: invalid side %q", ErrValidation, req.Side)
	}
	if req.Qty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if req.Type.RequiresPrice() && req.Price.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: price required for %s orders", ErrValidation, req.Type)
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && req.Qty.Cmp(rules.MinQty) < 0 {
		return fmt.Errorf("%w: qty %s below minimum %s", ErrValidation, req.Qty, rules.MinQty)
	}
	if rules.MaxQty.Cmp(decimal.Zero) > 0 && req.Qty.Cmp(rules.MaxQty) > 0 {
		return fmt.Errorf("%w: qty %s above maximum %s", ErrValidation, req.Qty, rules.MaxQty)
	}
	if req.Price.Cmp(decimal.Zero) > 0 {
		if rules.MinPrice.Cmp(decimal.Zero) > 0 && req.Price.Cmp(rules.MinPrice) < 0 {
			return fmt.Errorf("%w: price %s below minimum %s", ErrValidation, req.Price, rules.MinPrice)
		}
		if rules.MaxPrice.Cmp(decimal.Zero) > 0 && req.Price.Cmp(rules.MaxPrice) > 0 {
			return fmt.Errorf("%w: price %s above maximum %s", ErrValidation, req.Price, rules.MaxPrice)
		}
	}
	return nil
}

// NormalizeRequest returns a copy of req with quantity floored to the lot
// step and the price (when present) rounded to the tick. The normalized
// quantity must still clear the minimums; flooring can push a borderline
// quantity under them.
func NormalizeRequest(req OrderRequest, rules Rules) (OrderRequest, error) {
	req.Qty = FormatQuantity(req.Qty, rules.QtyStep)
	if req.Qty.Cmp(decimal.Zero) <= 0 {
		return req, fmt.Errorf("%w: qty rounds to zero at step %s", ErrValidation, rules.QtyStep)
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && req.Qty.Cmp(rules.MinQty) < 0 {
		return req, fmt.Errorf("%w: normalized qty %s below minimum %s", ErrValidation, req.Qty, rules.MinQty)
	}
	if req.Price.Cmp(decimal.Zero) > 0 {
		req.Price = FormatPrice(req.Price, rules.PriceTick)
	}
	if req.Type.RequiresPrice() && req.Price.Cmp(decimal.Zero) <= 0 {
		return req, fmt.Errorf("%w: price rounds to zero at tick %s", ErrValidation, rules.PriceTick)
	}
	return req, nil
}
