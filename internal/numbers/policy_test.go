package numbers

import (
	"context"
	"errors"
	"testing"
)

type stubDistance struct {
	miles map[string]float64
	err   error
}

func (s stubDistance) Distance(ctx context.Context, fromAreaCode, toAreaCode string) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.miles[fromAreaCode], nil
}

func TestAreaCode(t *testing.T) {
	if got := AreaCode("+14155551234"); got != "415" {
		t.Fatalf("expected 415, got %q", got)
	}
	if got := AreaCode("4155551234"); got != "415" {
		t.Fatalf("expected 415 for bare 10-digit, got %q", got)
	}
	if got := AreaCode("(212) 555-1234"); got != "212" {
		t.Fatalf("expected 212 for formatted number, got %q", got)
	}
	if got := AreaCode("555123"); got != "" {
		t.Fatalf("expected no area code for short number, got %q", got)
	}
	if got := AreaCode("+442071234567"); got != "" {
		t.Fatalf("expected no area code for non-NANP number, got %q", got)
	}
}

func TestSelect_ExactMatchWinsOverPrimary(t *testing.T) {
	p := NewPolicy(nil, 0)
	pool := Pool{Numbers: []PhoneNumber{
		{Number: "+14155550100", AreaCode: "415", Active: true},
		{Number: "+12125550100", AreaCode: "212", Active: true, Primary: true},
	}}

	sel, err := p.Select(context.Background(), pool, "+14155551234")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sel == nil {
		t.Fatalf("expected a selection")
	}
	if sel.PhoneNumber != "+14155550100" {
		t.Fatalf("expected the 415 number, got %q", sel.PhoneNumber)
	}
	if !sel.LocalMatch || sel.ProximityMatch {
		t.Fatalf("expected local_match only, got local=%v proximity=%v", sel.LocalMatch, sel.ProximityMatch)
	}
	if sel.CustomerAreaCode != "415" {
		t.Fatalf("expected customer area 415, got %q", sel.CustomerAreaCode)
	}
}

func TestSelect_PrimaryFallbackWithoutDistance(t *testing.T) {
	p := NewPolicy(nil, 0)
	pool := Pool{Numbers: []PhoneNumber{
		{Number: "+14155550100", AreaCode: "415", Active: true, Primary: true},
	}}

	sel, err := p.Select(context.Background(), pool, "+12125551234")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sel == nil {
		t.Fatalf("expected a selection")
	}
	if sel.PhoneNumber != "+14155550100" {
		t.Fatalf("expected the primary 415 number, got %q", sel.PhoneNumber)
	}
	if !sel.IsPrimary || sel.LocalMatch || sel.ProximityMatch {
		t.Fatalf("expected primary fallback flags, got %+v", sel)
	}
}

func TestSelect_ProximityPicksNearestWithinCap(t *testing.T) {
	dist := stubDistance{miles: map[string]float64{"650": 30, "510": 12, "916": 90}}
	p := NewPolicy(dist, 100)
	pool := Pool{Numbers: []PhoneNumber{
		{Number: "+16505550100", AreaCode: "650", Active: true},
		{Number: "+15105550100", AreaCode: "510", Active: true},
		{Number: "+19165550100", AreaCode: "916", Active: true, Primary: true},
	}}

	sel, err := p.Select(context.Background(), pool, "+14155551234")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sel == nil || sel.PhoneNumber != "+15105550100" {
		t.Fatalf("expected nearest 510 number, got %+v", sel)
	}
	if !sel.ProximityMatch || sel.LocalMatch {
		t.Fatalf("expected proximity match, got %+v", sel)
	}
	if sel.DistanceMiles == nil || *sel.DistanceMiles != 12 {
		t.Fatalf("expected distance 12, got %v", sel.DistanceMiles)
	}
}

func TestSelect_ProximityTieBreaksOnPoolOrder(t *testing.T) {
	dist := stubDistance{miles: map[string]float64{"650": 25, "510": 25}}
	p := NewPolicy(dist, 100)
	pool := Pool{Numbers: []PhoneNumber{
		{Number: "+16505550100", AreaCode: "650", Active: true},
		{Number: "+15105550100", AreaCode: "510", Active: true},
	}}

	sel, err := p.Select(context.Background(), pool, "+14155551234")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sel == nil || sel.PhoneNumber != "+16505550100" {
		t.Fatalf("expected first-encountered candidate on tie, got %+v", sel)
	}
}

func TestSelect_DistanceBeyondCapFallsToPrimary(t *testing.T) {
	dist := stubDistance{miles: map[string]float64{"305": 2200}}
	p := NewPolicy(dist, 100)
	pool := Pool{Numbers: []PhoneNumber{
		{Number: "+13055550100", AreaCode: "305", Active: true, Primary: true},
	}}

	sel, err := p.Select(context.Background(), pool, "+14155551234")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sel == nil || !sel.IsPrimary || sel.ProximityMatch {
		t.Fatalf("expected primary fallback beyond distance cap, got %+v", sel)
	}
}

func TestSelect_LookupErrorsSkipCandidate(t *testing.T) {
	dist := stubDistance{err: errors.New("geo dataset unavailable")}
	p := NewPolicy(dist, 100)
	pool := Pool{Numbers: []PhoneNumber{
		{Number: "+16505550100", AreaCode: "650", Active: true},
		{Number: "+12125550100", AreaCode: "212", Active: true, Primary: true},
	}}

	sel, err := p.Select(context.Background(), pool, "+14155551234")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sel == nil || !sel.IsPrimary {
		t.Fatalf("expected primary fallback when lookups fail, got %+v", sel)
	}
}

func TestSelect_InactiveNumbersIgnored(t *testing.T) {
	p := NewPolicy(nil, 0)
	pool := Pool{Numbers: []PhoneNumber{
		{Number: "+14155550100", AreaCode: "415", Active: false},
		{Number: "+12125550100", AreaCode: "212", Active: false, Primary: true},
	}}

	sel, err := p.Select(context.Background(), pool, "+14155551234")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sel != nil {
		t.Fatalf("expected nil selection from an all-inactive pool, got %+v", sel)
	}
}

func TestSelect_EmptyPoolReturnsNil(t *testing.T) {
	p := NewPolicy(nil, 0)

	sel, err := p.Select(context.Background(), Pool{}, "+14155551234")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sel != nil {
		t.Fatalf("expected nil selection, got %+v", sel)
	}
}

func TestSelect_DesignatedPrimaryPreferredOverFlagged(t *testing.T) {
	p := NewPolicy(nil, 0)
	pri := PhoneNumber{Number: "+19175550100", AreaCode: "917", Active: true}
	pool := Pool{
		Primary: &pri,
		Numbers: []PhoneNumber{
			{Number: "+13055550100", AreaCode: "305", Active: true, Primary: true},
		},
	}

	sel, err := p.Select(context.Background(), pool, "+14155551234")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sel == nil || sel.PhoneNumber != "+19175550100" {
		t.Fatalf("expected the designated primary, got %+v", sel)
	}
}
