package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"dukapos/internal/dashboard"
	"dukapos/internal/domain"
	"dukapos/internal/session"
)

var (
	reportShift string

	saleItems   []string
	salePayment string

	expenseAmount      string
	expenseCategory    string
	expenseDescription string

	dashboardDate string

	levelItem string
	levelName string
	levelQty  int
)

var stockCmd = &cobra.Command{
	Use:   "stock",
	Short: "Stock levels, stock takes and adjustments",
}

var stockLevelsCmd = &cobra.Command{
	Use:   "levels",
	Short: "List the shop's stock levels",
	RunE: func(cmd *cobra.Command, args []string) error {
		shop, err := requireShop()
		if err != nil {
			return err
		}
		levels, err := app.client.StockLevels(cmd.Context(), shop)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), levels)
	},
}

var stockSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set an item's stock level (managers and admins)",
	RunE: func(cmd *cobra.Command, args []string) error {
		shop, err := requireShop()
		if err != nil {
			return err
		}
		level, err := app.client.SetStockLevel(cmd.Context(), domain.StockLevelRequest{
			ShopID: shop,
			ItemID: levelItem,
			Name:   levelName,
			Qty:    levelQty,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), level)
	},
}

var stockTakesCmd = &cobra.Command{
	Use:   "takes",
	Short: "List a shift's stock takes",
	RunE: func(cmd *cobra.Command, args []string) error {
		shiftID, err := shiftOrActive()
		if err != nil {
			return err
		}
		takes, err := app.client.StockTakes(cmd.Context(), shiftID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), takes)
	},
}

var stockVarianceCmd = &cobra.Command{
	Use:   "variance",
	Short: "Show a shift's variance report",
	RunE: func(cmd *cobra.Command, args []string) error {
		shiftID, err := shiftOrActive()
		if err != nil {
			return err
		}
		report, err := app.client.VarianceReport(cmd.Context(), shiftID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var stockAdjustCmd = &cobra.Command{
	Use:   "adjust [stock-take-id]",
	Short: "Apply a stock take's count to the stock level",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		take, err := app.client.MarkStockTakeAdjusted(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), take)
	},
}

var saleCmd = &cobra.Command{
	Use:   "sale",
	Short: "Record a sale against the open shift",
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, err := parseSaleLines(saleItems)
		if err != nil {
			return err
		}
		s, err := resumed(cmd)
		if err != nil {
			return err
		}
		shift := s.Shift()
		sale, err := app.client.RecordSale(cmd.Context(), domain.SaleCreateRequest{
			ShopID:        shift.ShopID,
			ShiftID:       shift.ID,
			PaymentMethod: salePayment,
			Lines:         lines,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), sale)
	},
}

var expenseCmd = &cobra.Command{
	Use:   "expense",
	Short: "Record an expense, attached to the open shift when there is one",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseMoney("amount", expenseAmount)
		if err != nil {
			return err
		}
		shop, err := requireShop()
		if err != nil {
			return err
		}
		s := newSession()
		state, err := s.Resume(cmd.Context())
		if err != nil {
			return err
		}
		req := domain.ExpenseCreateRequest{
			ShopID:      shop,
			Amount:      amount,
			Category:    expenseCategory,
			Description: expenseDescription,
		}
		if state == session.StateOpen {
			req.ShiftID = s.Shift().ID
		}
		expense, err := app.client.RecordExpense(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), expense)
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the day's sales, expenses and net for your scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		date := time.Now().UTC()
		if dashboardDate != "" {
			parsed, err := time.Parse("2006-01-02", dashboardDate)
			if err != nil {
				return fmt.Errorf("--date %q: want YYYY-MM-DD", dashboardDate)
			}
			date = parsed
		}
		// Refresh the active shift so a cashier's scope is current.
		if _, err := newSession().Resume(cmd.Context()); err != nil {
			return err
		}

		load := dashboard.New(app.client, app.state, logger.Named("dashboard")).Start(cmd.Context(), date)
		metrics, err := load.Wait(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), metrics)
	},
}

func requireShop() (string, error) {
	shop := app.state.ShopID()
	if shop == "" {
		return "", errors.New("no shop selected; sign in or pass --shop")
	}
	return shop, nil
}

func shiftOrActive() (string, error) {
	if reportShift != "" {
		return reportShift, nil
	}
	if shift := app.state.ActiveShift(); shift != nil {
		return shift.ID, nil
	}
	return "", errors.New("no active shift; pass --shift")
}

// parseSaleLines reads ITEM=QTY@PRICE entries.
func parseSaleLines(raw []string) ([]domain.SaleLine, error) {
	lines := make([]domain.SaleLine, 0, len(raw))
	for _, entry := range raw {
		item, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("--item %q: want ITEM=QTY@PRICE", entry)
		}
		qtyRaw, priceRaw, ok := strings.Cut(rest, "@")
		if !ok {
			return nil, fmt.Errorf("--item %q: want ITEM=QTY@PRICE", entry)
		}
		qty, err := strconv.Atoi(strings.TrimSpace(qtyRaw))
		if err != nil {
			return nil, fmt.Errorf("--item %q: quantity must be a whole number", entry)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(priceRaw))
		if err != nil {
			return nil, fmt.Errorf("--item %q: price is not an amount", entry)
		}
		lines = append(lines, domain.SaleLine{ItemID: strings.TrimSpace(item), Qty: qty, UnitPrice: price})
	}
	return lines, nil
}

func init() {
	for _, c := range []*cobra.Command{stockTakesCmd, stockVarianceCmd} {
		c.Flags().StringVar(&reportShift, "shift", "", "Shift id (defaults to the active shift)")
	}
	stockSetCmd.Flags().StringVar(&levelItem, "item", "", "Item id")
	stockSetCmd.Flags().StringVar(&levelName, "name", "", "Display name")
	stockSetCmd.Flags().IntVar(&levelQty, "qty", 0, "Quantity on hand")
	_ = stockSetCmd.MarkFlagRequired("item")
	stockCmd.AddCommand(stockLevelsCmd, stockSetCmd, stockTakesCmd, stockVarianceCmd, stockAdjustCmd)

	saleCmd.Flags().StringArrayVar(&saleItems, "item", nil, "Sold line as ITEM=QTY@PRICE (repeatable)")
	saleCmd.Flags().StringVar(&salePayment, "payment", domain.PaymentCash, "cash or mpesa")
	_ = saleCmd.MarkFlagRequired("item")

	expenseCmd.Flags().StringVar(&expenseAmount, "amount", "", "Amount")
	expenseCmd.Flags().StringVar(&expenseCategory, "category", "", "Category, e.g. transport")
	expenseCmd.Flags().StringVar(&expenseDescription, "description", "", "Free-text description")
	_ = expenseCmd.MarkFlagRequired("amount")
	_ = expenseCmd.MarkFlagRequired("category")

	dashboardCmd.Flags().StringVar(&dashboardDate, "date", "", "Day as YYYY-MM-DD (defaults to today)")
}
