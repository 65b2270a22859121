package domain

import "testing"

func TestComputeBalances(t *testing.T) {
	txs := []CreditTransaction{
		{Type: CreditEarned, Status: CreditTxCompleted, Amount: 10000},
		{Type: CreditEarned, Status: CreditTxCompleted, Amount: 5000},
		{Type: CreditDisbursed, Status: CreditTxCompleted, Amount: 4000},
		{Type: CreditRefund, Status: CreditTxCompleted, Amount: 1000},
		{Type: CreditDisbursed, Status: CreditTxPending, Amount: 2000},
		{Type: CreditEarned, Status: CreditTxProcessing, Amount: 3000},
		{Type: CreditEarned, Status: CreditTxCancelled, Amount: 9999},
		{Type: CreditDisbursed, Status: CreditTxFailed, Amount: 8888},
	}
	snap := ComputeBalances(txs)

	if snap.LifetimeEarned != 16000 {
		t.Fatalf("expected lifetime earned 16000, got %d", snap.LifetimeEarned)
	}
	if snap.LifetimeDisbursed != 4000 {
		t.Fatalf("expected lifetime disbursed 4000, got %d", snap.LifetimeDisbursed)
	}
	if snap.Pending != 5000 {
		t.Fatalf("expected pending 5000, got %d", snap.Pending)
	}
	if snap.CurrentBalance != 12000 {
		t.Fatalf("expected current balance 12000, got %d", snap.CurrentBalance)
	}
}

func TestComputeBalancesNeverNegative(t *testing.T) {
	txs := []CreditTransaction{
		{Type: CreditEarned, Status: CreditTxCompleted, Amount: 1000},
		{Type: CreditDisbursed, Status: CreditTxCompleted, Amount: 3000},
	}
	if snap := ComputeBalances(txs); snap.CurrentBalance != 0 {
		t.Fatalf("expected floor at zero, got %d", snap.CurrentBalance)
	}
}

func TestComputeBalancesEmptyLog(t *testing.T) {
	snap := ComputeBalances(nil)
	if snap.LifetimeEarned != 0 || snap.LifetimeDisbursed != 0 || snap.Pending != 0 || snap.CurrentBalance != 0 {
		t.Fatalf("expected zero snapshot for empty log, got %+v", snap)
	}
}

func TestCreditTxStatusAdvance(t *testing.T) {
	if !CreditTxPending.CanAdvance(CreditTxProcessing) {
		t.Fatal("expected pending -> processing to be legal")
	}
	if !CreditTxPending.CanAdvance(CreditTxCompleted) {
		t.Fatal("expected pending -> completed to be legal")
	}
	if !CreditTxProcessing.CanAdvance(CreditTxFailed) {
		t.Fatal("expected processing -> failed to be legal")
	}
	for _, terminal := range []CreditTxStatus{CreditTxCompleted, CreditTxFailed, CreditTxCancelled} {
		if !terminal.Terminal() {
			t.Fatalf("expected %s to be terminal", terminal)
		}
		if terminal.CanAdvance(CreditTxPending) || terminal.CanAdvance(CreditTxProcessing) {
			t.Fatalf("expected no transitions out of %s", terminal)
		}
	}
}

func TestCreditsAccountDirection(t *testing.T) {
	if !CreditEarned.CreditsAccount() || !CreditRefund.CreditsAccount() || !CreditAdjustment.CreditsAccount() {
		t.Fatal("expected earned, refund, and adjustment to credit the account")
	}
	if CreditDisbursed.CreditsAccount() {
		t.Fatal("expected disbursed to debit the account")
	}
}
