package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/events"
	"ledgerpos/backend/internal/partners"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

func (s *Service) Products(ctx context.Context) ([]domain.Product, error) {
	return s.gw.Products(ctx)
}

func (s *Service) Customers(ctx context.Context) ([]domain.Customer, error) {
	return s.gw.Customers(ctx)
}

// UpdateStock applies a manual stock correction. Deltas are additive, so a
// queued correction lands on top of whatever the other devices did.
func (s *Service) UpdateStock(ctx context.Context, productID string, delta int, reason string) (bool, error) {
	if strings.TrimSpace(productID) == "" {
		return false, store.Invalid("product id is required")
	}
	if delta == 0 {
		return false, store.Invalid("stock delta cannot be zero")
	}
	op := domain.StockUpdate{ID: xid.New("stk"), ProductID: productID, Delta: delta, Reason: reason}
	queued, _, err := s.applyOrQueue(ctx, op, "", func(ctx context.Context) error {
		return store.Require(s.gw.AdjustStock(ctx, productID, delta, "stock:"+op.ID))
	})
	if err != nil {
		return false, err
	}
	if !queued {
		s.bus.Publish(ctx, events.ProductsUpdated)
	}
	return queued, nil
}

func (s *Service) UpdateCustomer(ctx context.Context, op domain.CustomerUpdate) (bool, error) {
	if strings.TrimSpace(op.CustomerID) == "" {
		return false, store.Invalid("customer id is required")
	}
	if op.Name != nil && strings.TrimSpace(*op.Name) == "" {
		return false, store.Invalid("customer name cannot be empty")
	}
	queued, _, err := s.applyOrQueue(ctx, op, "", func(ctx context.Context) error {
		c, err := s.gw.Customer(ctx, op.CustomerID)
		if err != nil {
			return err
		}
		if op.Name != nil {
			c.Name = strings.TrimSpace(*op.Name)
		}
		if op.Phone != nil {
			c.Phone = *op.Phone
		}
		return store.Require(s.gw.UpdateCustomer(ctx, c))
	})
	if err != nil {
		return false, err
	}
	if !queued {
		s.bus.Publish(ctx, events.CustomersUpdated)
	}
	return queued, nil
}

// Partners. These read and write whole partner documents, so they need the
// remote side and are never queued.

func (s *Service) Partners(ctx context.Context) ([]domain.Partner, error) {
	return s.partners.List(ctx)
}

func (s *Service) PartnerStats(ctx context.Context) (domain.PartnerStats, error) {
	return s.partners.Stats(ctx)
}

func (s *Service) CreatePartner(ctx context.Context, req partners.CreateRequest) (domain.Partner, error) {
	p, err := s.partners.Create(ctx, req)
	if err != nil {
		return domain.Partner{}, err
	}
	if p.InitialCapital.IsPositive() {
		if _, err := s.cashbox.Deposit(ctx, p.InitialCapital, "initial capital: "+p.Name); err != nil {
			return p, err
		}
		s.bus.Publish(ctx, events.CashboxUpdated, events.ShiftsUpdated)
	}
	s.bus.Publish(ctx, events.PartnersUpdated)
	return p, nil
}

func (s *Service) AddCapital(ctx context.Context, id string, amount decimal.Decimal, notes string) (domain.Partner, error) {
	p, err := s.partners.AddCapital(ctx, id, amount, notes)
	if err != nil {
		return domain.Partner{}, err
	}
	if _, err := s.cashbox.Deposit(ctx, amount, "capital: "+p.Name); err != nil {
		return p, err
	}
	s.bus.Publish(ctx, events.PartnersUpdated, events.CashboxUpdated, events.ShiftsUpdated)
	return p, nil
}

func (s *Service) WithdrawProfit(ctx context.Context, id string, amount decimal.Decimal, notes string, allowNegative bool) (domain.Partner, error) {
	p, err := s.partners.WithdrawProfit(ctx, id, amount, notes, allowNegative)
	if err != nil {
		return domain.Partner{}, err
	}
	return p, s.payOut(ctx, amount, "profit withdrawal: "+p.Name)
}

func (s *Service) WithdrawCapital(ctx context.Context, id string, amount decimal.Decimal, notes string, allowNegative bool) (domain.Partner, error) {
	p, err := s.partners.WithdrawCapital(ctx, id, amount, notes, allowNegative)
	if err != nil {
		return domain.Partner{}, err
	}
	return p, s.payOut(ctx, amount, "capital withdrawal: "+p.Name)
}

func (s *Service) SmartWithdraw(ctx context.Context, id string, amount decimal.Decimal, notes string) (domain.SmartWithdrawResult, error) {
	res, err := s.partners.SmartWithdraw(ctx, id, amount, notes)
	if err != nil {
		return domain.SmartWithdrawResult{}, err
	}
	return res, s.payOut(ctx, amount, "partner withdrawal "+id)
}

func (s *Service) payOut(ctx context.Context, amount decimal.Decimal, description string) error {
	if _, err := s.cashbox.Withdraw(ctx, amount, description); err != nil {
		return err
	}
	s.bus.Publish(ctx, events.PartnersUpdated, events.CashboxUpdated, events.ShiftsUpdated)
	return nil
}
