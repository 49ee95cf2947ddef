package main

import (
	"fmt"
	"strconv"
	"strings"

	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"

	"github.com/google/uuid"
)

func parsePoolID(s string) (state.PoolID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pool id %q: %w", s, err)
	}
	return state.PoolID(n), nil
}

func parseTranche(s string) (state.TrancheIndex, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("tranche %q: %w", s, err)
	}
	return state.TrancheIndex(n), nil
}

func parseUUID(name, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s %q: %w", name, s, err)
	}
	return id, nil
}

func parseBalance(name, s string) (fpmath.Balance, error) {
	b, err := fpmath.ParseBalance(s)
	if err != nil {
		return fpmath.Balance{}, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

func parseOrderKey(pool, tranche, investor string) (state.PoolID, state.TrancheIndex, uuid.UUID, error) {
	id, err := parsePoolID(pool)
	if err != nil {
		return 0, 0, uuid.Nil, err
	}
	t, err := parseTranche(tranche)
	if err != nil {
		return 0, 0, uuid.Nil, err
	}
	inv, err := parseUUID("investor", investor)
	if err != nil {
		return 0, 0, uuid.Nil, err
	}
	return id, t, inv, nil
}

// parseTranches reads "interest:min_sub" pairs, senior first.
func parseTranches(s string) ([]state.TrancheSpec, error) {
	var specs []state.TrancheSpec
	for _, part := range strings.Split(s, ",") {
		interest, minSub, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("tranche spec %q: want interest:min_sub", part)
		}
		i, err := strconv.ParseUint(interest, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("tranche spec %q: interest: %w", part, err)
		}
		m, err := strconv.ParseUint(minSub, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("tranche spec %q: min_sub: %w", part, err)
		}
		specs = append(specs, state.TrancheSpec{InterestPct: uint8(i), MinSubPct: uint8(m)})
	}
	return specs, nil
}

// parseSolution reads "supply:redeem" ratio pairs, one per tranche.
func parseSolution(s string) ([]state.Fulfillment, error) {
	var out []state.Fulfillment
	for _, part := range strings.Split(s, ",") {
		supply, redeem, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("fulfillment %q: want supply:redeem", part)
		}
		sp, err := fpmath.ParsePerquintill(supply)
		if err != nil {
			return nil, err
		}
		rp, err := fpmath.ParsePerquintill(redeem)
		if err != nil {
			return nil, err
		}
		out = append(out, state.Fulfillment{Supply: sp, Redeem: rp})
	}
	return out, nil
}
