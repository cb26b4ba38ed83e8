package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"dukapos/internal/appstate"
	"dukapos/internal/domain"
	"dukapos/internal/session"
)

var (
	loginUser     string
	loginPassword string

	openFloat string

	movementType   string
	movementAmount string
	movementNote   string

	countFlags []string
	countsFile string
	declCash   string
	declMpesa  string
	closeAfter bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and remember the access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			password = os.Getenv("DUKAPOS_PASSWORD")
		}
		resp, err := app.client.Login(cmd.Context(), loginUser, password)
		if err != nil {
			return err
		}
		if err := app.state.SetUser(cmd.Context(), appstate.User{
			ID:     resp.UserID,
			Role:   resp.Role,
			ShopID: resp.ShopID,
			Token:  resp.AccessToken,
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s) at %s\n", resp.UserID, resp.Role, app.state.ShopID())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.state.SignOut(cmd.Context())
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored user, shop and active shift",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap := app.state.Snapshot()
		if snap.User != nil {
			snap.User.Token = ""
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"shop_id":      snap.ShopID,
			"user":         snap.User,
			"active_shift": snap.ActiveShift,
			"view":         app.state.View(),
			"currency":     app.state.Currency(),
		})
	},
}

var shiftCmd = &cobra.Command{
	Use:   "shift",
	Short: "Open, work and close a shift",
}

var shiftStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the open shift for the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession()
		state, err := s.Resume(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"state": state, "shift": s.Shift()})
	},
}

var shiftOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a shift with an opening float",
	RunE: func(cmd *cobra.Command, args []string) error {
		float, err := parseMoney("float", openFloat)
		if err != nil {
			return err
		}
		shift, err := newSession().Open(cmd.Context(), float)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), shift)
	},
}

var shiftMovementCmd = &cobra.Command{
	Use:   "movement",
	Short: "Record a float, cash-in or cash-out entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseMoney("amount", movementAmount)
		if err != nil {
			return err
		}
		s, err := resumed(cmd)
		if err != nil {
			return err
		}
		movement, err := s.RecordCashMovement(cmd.Context(), domain.CashMovementType(movementType), amount, movementNote)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), movement)
	},
}

var shiftReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Count stock, declare totals and close the shift",
	Long: `Loads the shop's stock levels, submits one count per item, prints the
variance report and records the declared cash and mobile-money totals.

Counts come from --count ITEM=QTY flags and/or a yaml file of ITEM: QTY pairs.
Every stocked item must be counted. The shift is closed afterwards unless
--close=false is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cash, err := parseMoney("cash", declCash)
		if err != nil {
			return err
		}
		mpesa, err := parseMoney("mpesa", declMpesa)
		if err != nil {
			return err
		}
		counts, err := loadCounts(countFlags, countsFile)
		if err != nil {
			return err
		}

		s, err := resumed(cmd)
		if err != nil {
			return err
		}
		if _, err := s.BeginReconciliation(ctx); err != nil {
			return err
		}
		report, err := s.SubmitStockTakes(ctx, counts)
		if err != nil {
			return err
		}
		rec, err := s.SubmitReconciliation(ctx, cash, mpesa)
		if err != nil {
			return err
		}

		out := map[string]any{"variance": report, "reconciliation": rec}
		if closeAfter {
			closed, err := s.Close(ctx)
			if err != nil {
				return err
			}
			out["shift"] = closed
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func newSession() *session.Session {
	return session.New(app.client, app.state, logger.Named("session"))
}

// resumed returns a session bound to the server's open shift.
func resumed(cmd *cobra.Command) (*session.Session, error) {
	s := newSession()
	state, err := s.Resume(cmd.Context())
	if err != nil {
		return nil, err
	}
	if state != session.StateOpen {
		return nil, errors.New("no open shift; run dukactl shift open first")
	}
	return s, nil
}

func parseMoney(name string, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("--%s: %q is not an amount", name, raw)
	}
	return v, nil
}

// loadCounts merges a yaml counts file with ITEM=QTY flags; flags win.
func loadCounts(flags []string, file string) ([]session.Count, error) {
	byItem := map[string]int{}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read counts: %w", err)
		}
		if err := yaml.Unmarshal(raw, &byItem); err != nil {
			return nil, fmt.Errorf("decode counts %s: %w", file, err)
		}
	}
	for _, flag := range flags {
		item, qty, ok := strings.Cut(flag, "=")
		if !ok || strings.TrimSpace(item) == "" {
			return nil, fmt.Errorf("--count %q: want ITEM=QTY", flag)
		}
		n, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil {
			return nil, fmt.Errorf("--count %q: quantity must be a whole number", flag)
		}
		byItem[strings.TrimSpace(item)] = n
	}

	items := make([]string, 0, len(byItem))
	for item := range byItem {
		items = append(items, item)
	}
	sort.Strings(items)
	counts := make([]session.Count, 0, len(items))
	for _, item := range items {
		counts = append(counts, session.Count{ItemID: item, Qty: byItem[item]})
	}
	return counts, nil
}

func init() {
	loginCmd.Flags().StringVarP(&loginUser, "username", "u", "", "Username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (or DUKAPOS_PASSWORD)")
	_ = loginCmd.MarkFlagRequired("username")

	shiftOpenCmd.Flags().StringVar(&openFloat, "float", "0", "Opening float")

	shiftMovementCmd.Flags().StringVar(&movementType, "type", string(domain.MovementCashIn), "float, cash_in or cash_out")
	shiftMovementCmd.Flags().StringVar(&movementAmount, "amount", "", "Amount as a positive number")
	shiftMovementCmd.Flags().StringVar(&movementNote, "note", "", "Free-text note")
	_ = shiftMovementCmd.MarkFlagRequired("amount")

	shiftReconcileCmd.Flags().StringArrayVar(&countFlags, "count", nil, "Counted quantity as ITEM=QTY (repeatable)")
	shiftReconcileCmd.Flags().StringVar(&countsFile, "counts-file", "", "Yaml file of ITEM: QTY counts")
	shiftReconcileCmd.Flags().StringVar(&declCash, "cash", "", "Declared cash in the drawer")
	shiftReconcileCmd.Flags().StringVar(&declMpesa, "mpesa", "0", "Declared mobile-money total")
	shiftReconcileCmd.Flags().BoolVar(&closeAfter, "close", true, "Close the shift after reconciling")
	_ = shiftReconcileCmd.MarkFlagRequired("cash")

	shiftCmd.AddCommand(shiftStatusCmd, shiftOpenCmd, shiftMovementCmd, shiftReconcileCmd)
}
