package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/cucumber/godog"
	"github.com/shopspring/decimal"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
)

var skuProducts = map[string]string{"X": "prod-x", "Y": "prod-y"}

type salesWorld struct {
	f        *fixture
	last     domain.SalesTransaction
	transfer domain.TransferResult
	err      error
}

func (w *salesWorld) product(sku string) (string, error) {
	id, ok := skuProducts[sku]
	if !ok {
		return "", fmt.Errorf("unknown sku %q", sku)
	}
	return id, nil
}

func (w *salesWorld) findRow(sku string, branchID string) (*domain.StockRow, error) {
	productID, err := w.product(sku)
	if err != nil {
		return nil, err
	}
	return w.f.repo.FindStockRow(context.Background(), domain.StockLocation{ProductID: productID, BranchID: branchID})
}

func (w *salesWorld) aStockRow(sku string, qty int, branchID string) error {
	productID, err := w.product(sku)
	if err != nil {
		return err
	}
	w.f.repo.PutStockRow(domain.StockRow{ProductID: productID, BranchID: branchID, QuantityOnHand: qty, UnitCost: decimal.NewFromInt(60)})
	return nil
}

func (w *salesWorld) sell(customerID string, qty int, sku string, branchID string) error {
	productID, err := w.product(sku)
	if err != nil {
		return err
	}
	req := domain.SaleRequest{
		BranchID:   branchID,
		CustomerID: customerID,
		Items:      []domain.SaleItemRequest{{ProductID: productID, Quantity: qty}},
		Payments:   []domain.PaymentRequest{{Method: domain.PaymentCash, Amount: decimal.NewFromInt(int64(qty) * 1000)}},
	}
	w.last, w.err = w.f.engine.ProcessSale(context.Background(), req)
	return nil
}

func (w *salesWorld) iSell(qty int, sku string, branchID string) error {
	return w.sell("", qty, sku, branchID)
}

func (w *salesWorld) customerBuys(customerID string, qty int, sku string, branchID string) error {
	if err := w.sell(customerID, qty, sku, branchID); err != nil {
		return err
	}
	return w.err
}

func (w *salesWorld) saleIs(status string, total string) error {
	if w.err != nil {
		return fmt.Errorf("sale failed: %w", w.err)
	}
	if w.last.Status != status {
		return fmt.Errorf("status %s, want %s", w.last.Status, status)
	}
	if !w.last.TotalAmount.Equal(decimal.RequireFromString(total)) {
		return fmt.Errorf("total %s, want %s", w.last.TotalAmount, total)
	}
	return nil
}

func (w *salesWorld) failsWith(kind string) error {
	if w.err == nil {
		return fmt.Errorf("expected %s, got success", kind)
	}
	if got := store.KindOf(w.err); got != kind {
		return fmt.Errorf("kind %s, want %s (%v)", got, kind, w.err)
	}
	return nil
}

func (w *salesWorld) rowHasOnHand(sku string, branchID string, qty int) error {
	row, err := w.findRow(sku, branchID)
	if err != nil {
		return err
	}
	if row.QuantityOnHand != qty {
		return fmt.Errorf("on hand %d, want %d", row.QuantityOnHand, qty)
	}
	return nil
}

func (w *salesWorld) rowHasEntries(sku string, branchID string, count int, entryType string, qty int) error {
	row, err := w.findRow(sku, branchID)
	if err != nil {
		return err
	}
	entries, err := w.f.repo.ListLedgerEntries(context.Background(), row.ID, 50)
	if err != nil {
		return err
	}
	matched := 0
	for _, e := range entries {
		if e.Type == entryType && e.Quantity == qty {
			matched++
		}
	}
	if matched != count || len(entries) != count {
		return fmt.Errorf("%d matching of %d entries, want %d", matched, len(entries), count)
	}
	return nil
}

func (w *salesWorld) noSalesTransaction() error {
	if w.last.ID != "" {
		_, err := w.f.repo.GetSalesTransaction(context.Background(), w.last.ID)
		if err == nil {
			return fmt.Errorf("transaction %s exists", w.last.ID)
		}
	}
	return nil
}

func (w *salesWorld) iTransfer(qty int, sku string, from string, to string) error {
	row, err := w.findRow(sku, from)
	if err != nil {
		return err
	}
	w.transfer, w.err = w.f.stock.TransferStock(context.Background(), domain.TransferRequest{FromStockRowID: row.ID, ToBranchID: to, Quantity: qty})
	return w.err
}

func (w *salesWorld) transferShareReference() error {
	if len(w.transfer.Entries) != 2 {
		return fmt.Errorf("%d transfer entries, want 2", len(w.transfer.Entries))
	}
	out, in := w.transfer.Entries[0], w.transfer.Entries[1]
	if out.Type != domain.EntryTypeTransferOut || in.Type != domain.EntryTypeTransferIn {
		return fmt.Errorf("entry types %s/%s", out.Type, in.Type)
	}
	if out.ReferenceNumber == "" || out.ReferenceNumber != in.ReferenceNumber {
		return fmt.Errorf("references %q and %q differ", out.ReferenceNumber, in.ReferenceNumber)
	}
	return nil
}

func (w *salesWorld) customerEnrolled(customerID string) error {
	_, err := w.f.loyalty.EnrollCustomer(context.Background(), domain.EnrollRequest{CustomerID: customerID})
	return err
}

func (w *salesWorld) customerHasPoints(customerID string, points int) error {
	ctx := context.Background()
	if _, err := w.f.loyalty.GetAccount(ctx, customerID); store.KindOf(err) == store.KindNotFound {
		if err := w.customerEnrolled(customerID); err != nil {
			return err
		}
		_, err := w.f.loyalty.AdjustPoints(ctx, customerID, domain.LoyaltyAdjustRequest{Delta: points, Reason: "seed"})
		return err
	}
	return w.balanceIs(customerID, points)
}

func (w *salesWorld) balanceIs(customerID string, points int) error {
	account, err := w.f.loyalty.GetAccount(context.Background(), customerID)
	if err != nil {
		return err
	}
	if account.PointsBalance != points {
		return fmt.Errorf("balance %d, want %d", account.PointsBalance, points)
	}
	return nil
}

func (w *salesWorld) earnedTotal(customerID string, points int) error {
	account, err := w.f.loyalty.GetAccount(context.Background(), customerID)
	if err != nil {
		return err
	}
	if account.TotalEarned != points {
		return fmt.Errorf("total earned %d, want %d", account.TotalEarned, points)
	}
	return nil
}

func (w *salesWorld) redeems(customerID string, points int) error {
	_, w.err = w.f.loyalty.RedeemPoints(context.Background(), customerID, domain.RedeemRequest{Points: points, Reason: "voucher"})
	return nil
}

func (w *salesWorld) wholeSaleReturned() error {
	items := make([]domain.ReturnItemRequest, 0, len(w.last.Items))
	for _, item := range w.last.Items {
		items = append(items, domain.ReturnItemRequest{OriginalItemID: item.ID, Quantity: item.Quantity})
	}
	_, err := w.f.engine.ProcessReturn(context.Background(), domain.ReturnRequest{
		OriginalTransactionNumber: w.last.TransactionNumber,
		Items:                     items,
	})
	return err
}

func initializeSalesScenario(sc *godog.ScenarioContext) {
	w := &salesWorld{}
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		*w = salesWorld{f: buildFixture()}
		return ctx, nil
	})

	sc.Step(`^a stock row for "([^"]*)" with (\d+) on hand at "([^"]*)"$`, w.aStockRow)
	sc.Step(`^I sell (\d+) units of "([^"]*)" at "([^"]*)"$`, w.iSell)
	sc.Step(`^customer "([^"]*)" buys (\d+) units of "([^"]*)" at "([^"]*)"$`, w.customerBuys)
	sc.Step(`^the sale is "([^"]*)" with total "([^"]*)"$`, w.saleIs)
	sc.Step(`^the sale fails with "([^"]*)"$`, w.failsWith)
	sc.Step(`^the redemption fails with "([^"]*)"$`, w.failsWith)
	sc.Step(`^the stock row for "([^"]*)" at "([^"]*)" has (\d+) on hand$`, w.rowHasOnHand)
	sc.Step(`^the stock row for "([^"]*)" at "([^"]*)" has (\d+) "([^"]*)" entry of (\d+)$`, w.rowHasEntries)
	sc.Step(`^no sales transaction exists$`, w.noSalesTransaction)
	sc.Step(`^I transfer (\d+) units of "([^"]*)" from "([^"]*)" to "([^"]*)"$`, w.iTransfer)
	sc.Step(`^the transfer entries share one reference number$`, w.transferShareReference)
	sc.Step(`^customer "([^"]*)" is enrolled$`, w.customerEnrolled)
	sc.Step(`^customer "([^"]*)" has (\d+) loyalty points$`, w.customerHasPoints)
	sc.Step(`^customer "([^"]*)" has earned (\d+) points in total$`, w.earnedTotal)
	sc.Step(`^customer "([^"]*)" redeems (\d+) points$`, w.redeems)
	sc.Step(`^the whole sale is returned$`, w.wholeSaleReturned)
}

func TestSalesFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "sales",
		ScenarioInitializer: initializeSalesScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("sales feature scenarios failed")
	}
}
