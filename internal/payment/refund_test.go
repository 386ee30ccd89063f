package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/lock"
	"github.com/noah-isme/toko-adyen/internal/payment"
	"github.com/noah-isme/toko-adyen/internal/queue"
)

func newRefundService(repo *memRepo, gw *fakeGateway, q *memQueue) *payment.RefundService {
	return &payment.RefundService{
		Repo:       repo,
		Gateway:    gw,
		Factory:    newFactory(),
		Options:    gatewayOptions(),
		MethodCode: "adyen",
		Queue:      q,
		Logger:     zerolog.Nop(),
	}
}

func seedCompletedPayment(repo *memRepo) {
	repo.addPayment(sampleOrder(), adyen.Payment{
		ID: "pay-1", MethodCode: "adyen", Amount: 12500, CurrencyCode: "EUR", State: payment.StateCompleted,
		Details: adyen.Document{adyen.DetailPSPReference: "PSP1"},
	})
}

func TestRefundGeneratedSkipsUnacceptablePayments(t *testing.T) {
	repo := newMemRepo()
	repo.addPayment(sampleOrder(), adyen.Payment{ID: "no-method", State: payment.StateCompleted})
	repo.addPayment(sampleOrder(), adyen.Payment{ID: "bank", MethodCode: "bank_transfer", State: payment.StateCompleted})

	cases := map[string]string{
		"no payment":              "missing",
		"payment without method":  "no-method",
		"payment method non-adyen": "bank",
	}
	for name, paymentID := range cases {
		t.Run(name, func(t *testing.T) {
			gw := &fakeGateway{}
			q := &memQueue{}
			err := newRefundService(repo, gw, q).HandleRefundGenerated(context.Background(), adyen.RefundGenerated{
				RefundPaymentID: "1", OrderNumber: "000000042", Amount: 10, CurrencyCode: "EUR", PaymentID: paymentID,
			})
			require.NoError(t, err)
			require.Empty(t, gw.calls())
			require.Empty(t, q.all())
		})
	}
}

func TestRefundGeneratedRequestsRefundAndQueuesReference(t *testing.T) {
	repo := newMemRepo()
	repo.addPayment(sampleOrder(), adyen.Payment{
		ID: "pay-1", MethodCode: "adyen", Amount: 12500, CurrencyCode: "EUR", State: payment.StateCompleted,
		Details: adyen.Document{adyen.DetailPSPReference: "PSP1"},
	})
	refund, err := repo.CreateRefund(context.Background(), payment.Refund{PaymentID: "pay-1", Amount: 4242, CurrencyCode: "EUR", State: payment.RefundNew})
	require.NoError(t, err)

	gw := &fakeGateway{modify: adyen.ModificationResponse{PSPReference: "NEWPSP", Status: "received"}}
	q := &memQueue{}
	svc := newRefundService(repo, gw, q)
	err = svc.HandleRefundGenerated(context.Background(), adyen.RefundGenerated{
		RefundPaymentID: refund.ID, OrderNumber: "000000042", Amount: 4242, CurrencyCode: "EUR", PaymentID: "pay-1",
	})
	require.NoError(t, err)

	calls := gw.calls()
	require.Len(t, calls, 1)
	require.Equal(t, adyen.IntentRefund, calls[0].Intent)
	require.Equal(t, "PSP1", calls[0].Target)
	require.Equal(t, adyen.Document{"value": int64(4242), "currency": "EUR"}, calls[0].Body["amount"])

	tasks := q.all()
	require.Len(t, tasks, 1)
	require.Equal(t, payment.TaskRefundReference, tasks[0].Kind)
	var cmd map[string]string
	require.NoError(t, json.Unmarshal(tasks[0].Payload, &cmd))
	require.Equal(t, "NEWPSP", cmd["pspReference"])

	require.NoError(t, svc.HandleReference(context.Background(), tasks[0]))
	stored := repo.refund(refund.ID)
	require.Equal(t, "NEWPSP", stored.PSPReference)
	require.Equal(t, payment.RefundProcessing, stored.State)
}

func TestRefundReferenceForUnknownRefundIsPermanent(t *testing.T) {
	svc := newRefundService(newMemRepo(), &fakeGateway{}, &memQueue{})
	err := svc.HandleReference(context.Background(), queue.Task{Payload: []byte(`{"refundPaymentId":"nope","pspReference":"X"}`)})
	require.True(t, queue.IsPermanent(err))
}

func TestIssueRefund(t *testing.T) {
	repo := newMemRepo()
	repo.addPayment(sampleOrder(), adyen.Payment{
		ID: "pay-1", MethodCode: "adyen", Amount: 12500, CurrencyCode: "EUR", State: payment.StateCompleted,
		Details: adyen.Document{adyen.DetailPSPReference: "PSP1"},
	})
	gw := &fakeGateway{modify: adyen.ModificationResponse{PSPReference: "R1"}}
	svc := newRefundService(repo, gw, &memQueue{})

	_, err := svc.Issue(context.Background(), "pay-1", 20000)
	require.ErrorIs(t, err, payment.ErrRefundExceedsAmount)

	refund, err := svc.Issue(context.Background(), "pay-1", 0)
	require.NoError(t, err)
	require.EqualValues(t, 12500, refund.Amount)
	require.Len(t, gw.calls(), 1)
}

func TestIssueRefundRequiresCompletedPayment(t *testing.T) {
	repo := newMemRepo()
	repo.addPayment(sampleOrder(), adyen.Payment{ID: "pay-1", MethodCode: "adyen", Amount: 100, State: payment.StateAuthorized})
	_, err := newRefundService(repo, &fakeGateway{}, &memQueue{}).Issue(context.Background(), "pay-1", 50)
	require.ErrorIs(t, err, payment.ErrRefundNotAllowed)
}

func TestIssueRefundCountsUnsettledRefunds(t *testing.T) {
	cases := []struct {
		name     string
		existing []payment.Refund
		request  int64
		wantErr  error
		want     int64
	}{
		{name: "new refund reserves its amount", existing: []payment.Refund{{Amount: 12500, State: payment.RefundNew}}, wantErr: payment.ErrRefundExceedsAmount},
		{name: "processing refund reserves its amount", existing: []payment.Refund{{Amount: 10000, State: payment.RefundProcessing}}, request: 5000, wantErr: payment.ErrRefundExceedsAmount},
		{name: "failed refund frees its amount", existing: []payment.Refund{{Amount: 12500, State: payment.RefundFailed}}, want: 12500},
		{name: "remainder after mixed refunds", existing: []payment.Refund{
			{Amount: 2000, State: payment.RefundCompleted},
			{Amount: 3000, State: payment.RefundProcessing},
			{Amount: 4000, State: payment.RefundFailed},
		}, want: 7500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepo()
			seedCompletedPayment(repo)
			for _, r := range tc.existing {
				r.PaymentID = "pay-1"
				_, err := repo.CreateRefund(context.Background(), r)
				require.NoError(t, err)
			}
			gw := &fakeGateway{modify: adyen.ModificationResponse{PSPReference: "R1"}}

			refund, err := newRefundService(repo, gw, &memQueue{}).Issue(context.Background(), "pay-1", tc.request)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Empty(t, gw.calls())
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, refund.Amount)
		})
	}
}

func TestIssueRefundTwiceRefundsOnce(t *testing.T) {
	repo := newMemRepo()
	seedCompletedPayment(repo)
	gw := &fakeGateway{modify: adyen.ModificationResponse{PSPReference: "R1"}}
	svc := newRefundService(repo, gw, &memQueue{})

	first, err := svc.Issue(context.Background(), "pay-1", 0)
	require.NoError(t, err)
	require.EqualValues(t, 12500, first.Amount)

	_, err = svc.Issue(context.Background(), "pay-1", 0)
	require.ErrorIs(t, err, payment.ErrRefundExceedsAmount)
	require.Len(t, gw.calls(), 1)
}

func TestIssueRefundConcurrentCallsAreSerialised(t *testing.T) {
	repo := newMemRepo()
	seedCompletedPayment(repo)
	gw := &fakeGateway{modify: adyen.ModificationResponse{PSPReference: "R1"}}
	svc := newRefundService(repo, gw, &memQueue{})
	svc.Locker = lock.Locker{R: newRedis(t), RetryBackoff: 5 * time.Millisecond}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Issue(context.Background(), "pay-1", 0)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, payment.ErrRefundExceedsAmount)
	}
	require.Equal(t, 1, succeeded)
	require.Len(t, gw.calls(), 1)
}

func TestIssueRefundStoresReferenceSynchronously(t *testing.T) {
	cases := []struct {
		name  string
		queue *memQueue
	}{
		{"queue available", &memQueue{}},
		{"queue down after adyen accepted", &memQueue{err: errors.New("redis down")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepo()
			seedCompletedPayment(repo)
			gw := &fakeGateway{modify: adyen.ModificationResponse{PSPReference: "R1"}}

			refund, err := newRefundService(repo, gw, tc.queue).Issue(context.Background(), "pay-1", 500)
			require.NoError(t, err)
			require.Len(t, gw.calls(), 1)
			require.Equal(t, "R1", refund.PSPReference)

			stored := repo.refund(refund.ID)
			require.Equal(t, payment.RefundProcessing, stored.State)
			require.Equal(t, "R1", stored.PSPReference)
		})
	}
}

func TestIssueRefundGatewayFailureMarksRefundFailed(t *testing.T) {
	repo := newMemRepo()
	seedCompletedPayment(repo)
	gw := &fakeGateway{err: errors.New("adyen unavailable")}
	svc := newRefundService(repo, gw, &memQueue{})

	refund, err := svc.Issue(context.Background(), "pay-1", 0)
	require.Error(t, err)
	stored := repo.refund(refund.ID)
	require.Equal(t, payment.RefundFailed, stored.State)
	require.Empty(t, stored.PSPReference)

	gw.err = nil
	gw.modify = adyen.ModificationResponse{PSPReference: "R2"}
	retry, err := svc.Issue(context.Background(), "pay-1", 0)
	require.NoError(t, err)
	require.EqualValues(t, 12500, retry.Amount)
}

func TestRefundNotificationBeforeReferenceTask(t *testing.T) {
	repo := newMemRepo()
	seedCompletedPayment(repo)
	gw := &fakeGateway{modify: adyen.ModificationResponse{PSPReference: "R1"}}
	q := &memQueue{}
	locker := lock.Locker{R: newRedis(t)}
	svc := newRefundService(repo, gw, q)
	svc.Locker = locker

	refund, err := svc.Issue(context.Background(), "pay-1", 0)
	require.NoError(t, err)

	tr := &payment.Transitioner{Repo: repo, Locker: locker, Logger: zerolog.Nop()}
	item := adyen.NotificationItem{EventCode: adyen.EventRefund, Success: true, PSPReference: "R1", OriginalReference: "PSP1", Amount: adyen.Amount{Value: 12500, Currency: "EUR"}}
	out, err := tr.Apply(context.Background(), item, adyen.EventCodeResolver{}.Resolve(item))
	require.NoError(t, err)
	require.Equal(t, refund.ID, out.RefundID)
	require.Equal(t, payment.StateRefunded, repo.payment("pay-1").State)

	// the queued reference command arrives late and changes nothing
	tasks := q.all()
	require.Len(t, tasks, 1)
	require.NoError(t, svc.HandleReference(context.Background(), tasks[0]))
	require.Len(t, repo.refunds, 1)
	require.Equal(t, payment.RefundCompleted, repo.refund(refund.ID).State)
}
