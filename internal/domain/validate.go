package domain

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// ValidationError lists the offending fields of a request, keyed by their
// wire name.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field string, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func checkStruct(value any) *ValidationError {
	verr := &ValidationError{}
	err := validate.Struct(value)
	if err == nil {
		return verr
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verr.add("_", err.Error())
		return verr
	}
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if idx := strings.Index(path, "."); idx >= 0 {
			path = path[idx+1:]
		}
		msg := fe.Tag()
		if fe.Param() != "" {
			msg = fe.Tag() + "=" + fe.Param()
		}
		verr.add(path, msg)
	}
	return verr
}

func (r ShiftCreateRequest) Validate() error {
	verr := checkStruct(r)
	if r.OpeningFloat.IsNegative() {
		verr.add("opening_float", "must not be negative")
	}
	return verr.orNil()
}

func (r CashMovementRequest) Validate() error {
	verr := checkStruct(r)
	if !r.Amount.IsPositive() {
		verr.add("amount", "must be greater than zero")
	}
	return verr.orNil()
}

func (r BulkStockTakeRequest) Validate() error {
	verr := checkStruct(r)
	seen := make(map[string]int, len(r.Entries))
	for i, entry := range r.Entries {
		key := entry.ShopID + "/" + entry.ItemID
		if first, dup := seen[key]; dup {
			verr.add(fmt.Sprintf("entries[%d].item_id", i), fmt.Sprintf("duplicates entries[%d]", first))
			continue
		}
		seen[key] = i
	}
	return verr.orNil()
}

func (r StockLevelRequest) Validate() error {
	return checkStruct(r).orNil()
}

func (r ReconciliationRequest) Validate() error {
	verr := checkStruct(r)
	if r.CashAmount.IsNegative() {
		verr.add("cash_amount", "must not be negative")
	}
	if r.MpesaAmount.IsNegative() {
		verr.add("mpesa_amount", "must not be negative")
	}
	return verr.orNil()
}

func (r SaleCreateRequest) Validate() error {
	verr := checkStruct(r)
	for i, line := range r.Lines {
		if line.UnitPrice.IsNegative() {
			verr.add(fmt.Sprintf("lines[%d].unit_price", i), "must not be negative")
		}
	}
	return verr.orNil()
}

// Total sums the sale lines.
func (r SaleCreateRequest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range r.Lines {
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Qty))))
	}
	return total
}

func (r ExpenseCreateRequest) Validate() error {
	verr := checkStruct(r)
	if !r.Amount.IsPositive() {
		verr.add("amount", "must be greater than zero")
	}
	return verr.orNil()
}

func (q SummaryQuery) Validate() error {
	return checkStruct(q).orNil()
}

func (r LoginRequest) Validate() error {
	return checkStruct(r).orNil()
}

func (r UserCreateRequest) Validate() error {
	return checkStruct(r).orNil()
}
