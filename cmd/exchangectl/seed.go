package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/weightx/exchange-engine/internal/exchange"
	"github.com/weightx/exchange-engine/internal/model"
)

// Seed is a YAML fixture of sellers, their prices, and funded buyers.
//
//	sellers:
//	  - username: sam
//	    baseline_weight: "70"
//	    base_price: "10"
//	    k_up: "0.5"
//	    k_down: "0.3"
//	    prices:
//	      - {date: "2026-03-02", session: AM, weight: 72}
//	buyers:
//	  - {username: bob, cash: "100"}
type Seed struct {
	Sellers []SeedSeller `yaml:"sellers"`
	Buyers  []SeedBuyer  `yaml:"buyers"`
}

type SeedSeller struct {
	Username       string      `yaml:"username"`
	BaselineWeight string      `yaml:"baseline_weight"`
	BasePrice      string      `yaml:"base_price"`
	KUp            string      `yaml:"k_up"`
	KDown          string      `yaml:"k_down"`
	Prices         []SeedPrice `yaml:"prices"`
}

type SeedPrice struct {
	Date    string  `yaml:"date"`
	Session string  `yaml:"session"`
	Weight  float64 `yaml:"weight"`
}

type SeedBuyer struct {
	Username string `yaml:"username"`
	Cash     string `yaml:"cash"`
}

// LoadSeed reads a seed fixture from path.
func LoadSeed(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeed(b)
}

func ParseSeed(b []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &s, nil
}

// Coefficients parses the seller's pricing parameters.
func (s SeedSeller) Coefficients() (model.Coefficients, error) {
	var c model.Coefficients
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"baseline_weight", s.BaselineWeight, &c.BaselineWeight},
		{"base_price", s.BasePrice, &c.BasePrice},
		{"k_up", s.KUp, &c.KUp},
		{"k_down", s.KDown, &c.KDown},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return c, fmt.Errorf("seller %s: %s: %w", s.Username, f.name, err)
		}
		*f.dst = v
	}
	return c, nil
}

// Apply creates every user in the fixture through the service, so all
// validation applies, and returns the new IDs by username.
func (s *Seed) Apply(ctx context.Context, svc *exchange.Service) (map[string]string, error) {
	ids := make(map[string]string, len(s.Sellers)+len(s.Buyers))

	for _, sl := range s.Sellers {
		c, err := sl.Coefficients()
		if err != nil {
			return ids, err
		}
		u, err := svc.RegisterUser(ctx, sl.Username, string(model.RoleSeller))
		if err != nil {
			return ids, fmt.Errorf("seller %s: %w", sl.Username, err)
		}
		ids[sl.Username] = u.ID
		if _, err := svc.ConfigureSeller(ctx, u.ID, c); err != nil {
			return ids, fmt.Errorf("seller %s: %w", sl.Username, err)
		}
		for _, p := range sl.Prices {
			if _, err := svc.UploadPrice(ctx, u.ID, p.Date, p.Session, p.Weight); err != nil {
				return ids, fmt.Errorf("seller %s price %s %s: %w", sl.Username, p.Date, p.Session, err)
			}
		}
	}

	for _, b := range s.Buyers {
		u, err := svc.RegisterUser(ctx, b.Username, string(model.RoleBuyer))
		if err != nil {
			return ids, fmt.Errorf("buyer %s: %w", b.Username, err)
		}
		ids[b.Username] = u.ID
		if b.Cash == "" {
			continue
		}
		cash, err := decimal.NewFromString(b.Cash)
		if err != nil {
			return ids, fmt.Errorf("buyer %s: cash: %w", b.Username, err)
		}
		if _, _, err := svc.Recharge(ctx, u.ID, cash); err != nil {
			return ids, fmt.Errorf("buyer %s: %w", b.Username, err)
		}
	}
	return ids, nil
}
