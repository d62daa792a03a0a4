package scoring

import (
	"testing"
	"time"
)

func fullInputs() FundamentalInputs {
	return FundamentalInputs{
		Symbol:             "ACME",
		Price:              dec(10),
		MarketCap:          dec(1000),
		SharesOutstanding:  100,
		EPS:                decPtr(1),
		Revenue:            decPtr(500),
		NetIncome:          decPtr(100),
		TotalAssets:        decPtr(2000),
		TotalEquity:        decPtr(500),
		TotalDebt:          decPtr(250),
		CurrentAssets:      decPtr(300),
		CurrentLiabilities: decPtr(200),
		FreeCashFlow:       decPtr(80),
	}
}

func TestScoreUndervaluationAllComponents(t *testing.T) {
	result := ScoreUndervaluation(fullInputs(), SectorAverages{}, time.Now())

	if result.DataQuality != QualityHigh {
		t.Fatalf("expected high quality, got %s", result.DataQuality)
	}
	if len(result.ComponentScores) != 4 {
		t.Fatalf("expected 4 components, got %#v", result.ComponentScores)
	}
	if got := result.ComponentScores[ComponentCashFlow]; !got.Equal(dec(80)) {
		t.Fatalf("FCF yield 8%% should score 80, got %s", got)
	}
	if result.CompositeScore == nil {
		t.Fatal("composite should be set")
	}
	// Hand-computed: valuation 62.22, profitability 76.67, strength 62.5,
	// cash flow 80 under the 40/30/20/10 weighting.
	if result.CompositeScore.LessThan(dec(68)) || result.CompositeScore.GreaterThan(dec(69)) {
		t.Fatalf("composite out of expected band: %s", result.CompositeScore)
	}
	if len(result.Flags) != 0 {
		t.Fatalf("clean inputs should raise no flags, got %v", result.Flags)
	}
}

func TestScoreUndervaluationNegativeEquity(t *testing.T) {
	in := fullInputs()
	in.TotalEquity = decPtr(-100)

	result := ScoreUndervaluation(in, SectorAverages{}, time.Now())

	if !hasFlag(result.Flags, "non_positive_equity") {
		t.Fatalf("expected non_positive_equity flag, got %v", result.Flags)
	}
	// The affected metrics score 0 instead of going negative, so the
	// composite stays within 0..100.
	if result.CompositeScore == nil || result.CompositeScore.IsNegative() {
		t.Fatalf("composite must stay non-negative, got %v", result.CompositeScore)
	}
}

func TestScoreUndervaluationSectorRelative(t *testing.T) {
	in := FundamentalInputs{
		Symbol: "REL",
		Price:  dec(10),
		EPS:    decPtr(1),
	}
	// PE of 10 against a sector average of 20 is half the sector multiple,
	// the most undervalued end of the relative scale.
	sector := SectorAverages{PE: decPtr(20)}

	result := ScoreUndervaluation(in, sector, time.Now())

	if got := result.ComponentScores[ComponentValuation]; !got.Equal(hundred) {
		t.Fatalf("half the sector PE should score 100, got %s", got)
	}

	// Without a sector average the same PE falls back to the absolute scale.
	absResult := ScoreUndervaluation(in, SectorAverages{}, time.Now())
	if got := absResult.ComponentScores[ComponentValuation]; !got.Equal(dec(80)) {
		t.Fatalf("PE 10 on the absolute scale should score 80, got %s", got)
	}
}

func TestScoreUndervaluationInsufficient(t *testing.T) {
	in := FundamentalInputs{Symbol: "EMPTY", Price: dec(10)}

	result := ScoreUndervaluation(in, SectorAverages{}, time.Now())

	if result.DataQuality != QualityInsufficient {
		t.Fatalf("no fundamentals should be insufficient, got %s", result.DataQuality)
	}
	if result.CompositeScore != nil {
		t.Fatalf("insufficient data must not have a composite, got %s", result.CompositeScore)
	}
}

func TestScoreUndervaluationPartialComponents(t *testing.T) {
	in := FundamentalInputs{
		Symbol:    "PART",
		Price:     dec(10),
		MarketCap: dec(1000),
		EPS:       decPtr(1),
		NetIncome: decPtr(100),
		Revenue:   decPtr(500),
	}

	result := ScoreUndervaluation(in, SectorAverages{}, time.Now())

	// Valuation and profitability are computable; strength and cash flow
	// are not. Weights renormalise over the two present components.
	if result.DataQuality != QualityLow {
		t.Fatalf("two components should be low quality, got %s", result.DataQuality)
	}
	if _, ok := result.ComponentScores[ComponentStrength]; ok {
		t.Fatal("strength should be absent without balance sheet data")
	}
	if result.CompositeScore == nil {
		t.Fatal("composite should still be computed from available components")
	}
}

func TestBoundsScore(t *testing.T) {
	b := Bounds{Floor: dec(0), Ceiling: dec(10)}
	if got := b.Score(dec(5)); !got.Equal(dec(50)) {
		t.Fatalf("midpoint should score 50, got %s", got)
	}
	if got := b.Score(dec(-1)); !got.IsZero() {
		t.Fatalf("below floor should clamp to 0, got %s", got)
	}
	if got := b.Score(dec(11)); !got.Equal(hundred) {
		t.Fatalf("above ceiling should clamp to 100, got %s", got)
	}

	inv := Bounds{Floor: dec(0), Ceiling: dec(10), Inverse: true}
	if got := inv.Score(dec(0)); !got.Equal(hundred) {
		t.Fatalf("inverse floor should score 100, got %s", got)
	}
	if got := inv.Score(dec(10)); !got.IsZero() {
		t.Fatalf("inverse ceiling should score 0, got %s", got)
	}

	degenerate := Bounds{Floor: dec(5), Ceiling: dec(5)}
	if got := degenerate.Score(dec(5)); !got.IsZero() {
		t.Fatalf("zero span should score 0, got %s", got)
	}
}
