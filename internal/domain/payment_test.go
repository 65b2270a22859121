package domain

import "testing"

func TestValidateSplits(t *testing.T) {
	tests := []struct {
		name    string
		splits  []DisbursementSplit
		wantErr bool
	}{
		{
			name:   "single full split",
			splits: []DisbursementSplit{{Category: CategoryTuition, Percent: 100}},
		},
		{
			name: "three way split",
			splits: []DisbursementSplit{
				{Category: CategoryTuition, Percent: 50},
				{Category: CategoryHousing, Percent: 30},
				{Category: CategoryBooks, Percent: 20},
			},
		},
		{
			name:    "sums to 99",
			splits:  []DisbursementSplit{{Category: CategoryTuition, Percent: 99}},
			wantErr: true,
		},
		{
			name: "sums to 101",
			splits: []DisbursementSplit{
				{Category: CategoryTuition, Percent: 60},
				{Category: CategoryHousing, Percent: 41},
			},
			wantErr: true,
		},
		{
			name:    "empty",
			splits:  nil,
			wantErr: true,
		},
		{
			name: "duplicate category",
			splits: []DisbursementSplit{
				{Category: CategoryTuition, Percent: 50},
				{Category: CategoryTuition, Percent: 50},
			},
			wantErr: true,
		},
		{
			name: "zero percent entry",
			splits: []DisbursementSplit{
				{Category: CategoryTuition, Percent: 0},
				{Category: CategoryHousing, Percent: 100},
			},
			wantErr: true,
		},
		{
			name:    "unknown category",
			splits:  []DisbursementSplit{{Category: "vacation", Percent: 100}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSplits(tt.splits)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSplits() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitAmounts_ExactDivision(t *testing.T) {
	splits := []DisbursementSplit{
		{Category: CategoryTuition, Percent: 50},
		{Category: CategoryHousing, Percent: 30},
		{Category: CategoryBooks, Percent: 20},
	}
	out := SplitAmounts(60000, splits)
	if out[CategoryTuition] != 30000 || out[CategoryHousing] != 18000 || out[CategoryBooks] != 12000 {
		t.Fatalf("unexpected split amounts: %+v", out)
	}
}

func TestSplitAmounts_RemainderGoesToLargestSplit(t *testing.T) {
	splits := []DisbursementSplit{
		{Category: CategoryBooks, Percent: 33},
		{Category: CategoryTuition, Percent: 34},
		{Category: CategoryHousing, Percent: 33},
	}
	// 101 cents: floors are 33+34+33 = 100, one cent left over.
	out := SplitAmounts(101, splits)

	var total int64
	for _, amount := range out {
		total += amount
	}
	if total != 101 {
		t.Fatalf("expected split amounts to conserve the total, got %d", total)
	}
	if out[CategoryTuition] != 35 {
		t.Fatalf("expected the largest split to absorb the remainder, got %+v", out)
	}
}

func TestPaymentStatusAdvance(t *testing.T) {
	legal := []struct{ from, to PaymentStatus }{
		{PaymentExpected, PaymentReceived},
		{PaymentReceived, PaymentAllocated},
		{PaymentAllocated, PaymentReconciled},
	}
	for _, tt := range legal {
		if !tt.from.CanAdvance(tt.to) {
			t.Fatalf("expected %s -> %s to be legal", tt.from, tt.to)
		}
	}
	illegal := []struct{ from, to PaymentStatus }{
		{PaymentExpected, PaymentAllocated},
		{PaymentReceived, PaymentReconciled},
		{PaymentReconciled, PaymentExpected},
		{PaymentAllocated, PaymentReceived},
	}
	for _, tt := range illegal {
		if tt.from.CanAdvance(tt.to) {
			t.Fatalf("expected %s -> %s to be illegal", tt.from, tt.to)
		}
	}
}

func TestDisbursementStatusAdvance(t *testing.T) {
	if !DisbursementPending.CanAdvance(DisbursementProcessing) {
		t.Fatal("expected pending -> processing to be legal")
	}
	if !DisbursementProcessing.CanAdvance(DisbursementCompleted) {
		t.Fatal("expected processing -> completed to be legal")
	}
	if !DisbursementProcessing.CanAdvance(DisbursementFailed) {
		t.Fatal("expected processing -> failed to be legal")
	}
	if DisbursementCompleted.CanAdvance(DisbursementFailed) {
		t.Fatal("expected completed to be terminal")
	}
	if DisbursementFailed.CanAdvance(DisbursementProcessing) {
		t.Fatal("expected failed to be terminal")
	}
}
