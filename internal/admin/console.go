// Package admin は運用者向けのアカウント管理コマンドを提供する。
//
//	neurosight admin list [limit]
//	neurosight admin search <term>
//	neurosight admin stats
//	neurosight admin add-user <email> [name]
//	neurosight admin reset-onboarding <email>
//	neurosight admin delete <email|id>
package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/hitoshi/neurosight/internal/auth"
	"github.com/hitoshi/neurosight/internal/model"
	"github.com/hitoshi/neurosight/internal/repository"
)

// defaultListLimit はlist/searchの既定表示件数。
const defaultListLimit = 50

// readPassword はterm.ReadPasswordのテスト用差し替えポイント。
var readPassword = func() ([]byte, error) {
	return term.ReadPassword(int(os.Stdin.Fd()))
}

// ErrUsage はサブコマンドや引数が不正な場合のエラー。
var ErrUsage = errors.New("usage: admin <list|search|stats|add-user|reset-onboarding|delete> [args]")

// AccountStore は管理コマンドが使用するアカウント操作。
type AccountStore interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	FindByEmail(ctx context.Context, email string) (*model.Account, error)
	Create(ctx context.Context, account *model.Account) error
	Mutate(ctx context.Context, id string, fn repository.AccountMutator) error
	List(ctx context.Context, limit int) ([]*model.Account, error)
	Search(ctx context.Context, term string, limit int) ([]*model.Account, error)
	Stats(ctx context.Context) (*repository.AccountStats, error)
}

// AnalysisCounter は解析件数の集計インターフェース。
type AnalysisCounter interface {
	CountAll(ctx context.Context) (int, error)
}

// Withdrawer はアカウントと関連データの削除インターフェース。
type Withdrawer interface {
	Withdraw(ctx context.Context, userID string) error
}

// Console は管理コマンドの実行環境。
type Console struct {
	accounts AccountStore
	analyses AnalysisCounter
	users    Withdrawer
	in       *bufio.Reader
	out      io.Writer
	now      func() time.Time
}

// NewConsole はConsoleの新しいインスタンスを生成する。
func NewConsole(accounts AccountStore, analyses AnalysisCounter, users Withdrawer, in io.Reader, out io.Writer) *Console {
	return &Console{
		accounts: accounts,
		analyses: analyses,
		users:    users,
		in:       bufio.NewReader(in),
		out:      out,
		now:      time.Now,
	}
}

// Run はargs[0]のサブコマンドを実行する。
func (c *Console) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}

	switch args[0] {
	case "list":
		limit := defaultListLimit
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid limit %q", args[1])
			}
			limit = n
		}
		accounts, err := c.accounts.List(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}
		c.printAccounts(accounts)
		return nil
	case "search":
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			return ErrUsage
		}
		accounts, err := c.accounts.Search(ctx, strings.TrimSpace(args[1]), defaultListLimit)
		if err != nil {
			return fmt.Errorf("failed to search accounts: %w", err)
		}
		c.printAccounts(accounts)
		return nil
	case "stats":
		return c.stats(ctx)
	case "add-user":
		if len(args) < 2 {
			return ErrUsage
		}
		name := ""
		if len(args) > 2 {
			name = strings.Join(args[2:], " ")
		}
		return c.addUser(ctx, args[1], name)
	case "reset-onboarding":
		if len(args) < 2 {
			return ErrUsage
		}
		return c.resetOnboarding(ctx, args[1])
	case "delete":
		if len(args) < 2 {
			return ErrUsage
		}
		return c.delete(ctx, args[1])
	default:
		return fmt.Errorf("unknown admin command %q: %w", args[0], ErrUsage)
	}
}

func (c *Console) printAccounts(accounts []*model.Account) {
	if len(accounts) == 0 {
		fmt.Fprintln(c.out, "No accounts found.")
		return
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tNAME\tVERIFICATION\tONBOARDED\tACTIVE\tCREATED")
	for _, a := range accounts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\t%s\n",
			a.ID, a.Email, a.Name, a.Verification, a.Onboarded, a.Active,
			a.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	tw.Flush()
	fmt.Fprintf(c.out, "%d account(s)\n", len(accounts))
}

func (c *Console) stats(ctx context.Context) error {
	s, err := c.accounts.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account stats: %w", err)
	}
	total, err := c.analyses.CountAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to count analyses: %w", err)
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Accounts\t%d\n", s.Total)
	fmt.Fprintf(tw, "  verified\t%d\n", s.Verified)
	fmt.Fprintf(tw, "  unverified\t%d\n", s.Unverified)
	fmt.Fprintf(tw, "  legacy\t%d\n", s.Legacy)
	fmt.Fprintf(tw, "  onboarded\t%d\n", s.Onboarded)
	fmt.Fprintf(tw, "  inactive\t%d\n", s.Inactive)
	fmt.Fprintf(tw, "Analyses\t%d\n", total)
	return tw.Flush()
}

// addUser は検証済みのアカウントを作成する。
// パスワードを空にした場合は外部IdPでのみログインできるアカウントになる。
func (c *Console) addUser(ctx context.Context, email, name string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email %q", email)
	}
	existing, err := c.accounts.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find account: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("account %s already exists", email)
	}

	if name == "" {
		name = "Test User"
	}

	fmt.Fprint(c.out, "Password (empty for external login only): ")
	pw, err := readPassword()
	fmt.Fprintln(c.out)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	var hash string
	if len(pw) > 0 {
		if err := auth.ValidatePassword(string(pw)); err != nil {
			return err
		}
		hash, err = auth.HashPassword(string(pw))
		if err != nil {
			return err
		}
	}

	now := c.now()
	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Role:         "doctor",
		Verification: model.VerificationVerified,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.accounts.Create(ctx, account); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	fmt.Fprintf(c.out, "Created account %s (%s)\n", account.Email, account.ID)
	return nil
}

func (c *Console) resetOnboarding(ctx context.Context, email string) error {
	account, err := c.lookup(ctx, email)
	if err != nil {
		return err
	}

	err = c.accounts.Mutate(ctx, account.ID, func(a *model.Account) (bool, error) {
		if !a.Onboarded {
			return false, nil
		}
		a.Onboarded = false
		a.UpdatedAt = c.now()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset onboarding: %w", err)
	}

	fmt.Fprintf(c.out, "Onboarding reset for %s\n", account.Email)
	return nil
}

// delete はアカウントを確認入力のうえで削除する。
func (c *Console) delete(ctx context.Context, ref string) error {
	account, err := c.lookup(ctx, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "About to delete %s (%s) and all of its analyses.\nType 'DELETE' to confirm: ", account.Email, account.ID)
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read confirmation: %w", err)
	}
	if strings.TrimSpace(line) != "DELETE" {
		fmt.Fprintln(c.out, "Cancelled.")
		return nil
	}

	if err := c.users.Withdraw(ctx, account.ID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	fmt.Fprintf(c.out, "Deleted %s\n", account.Email)
	return nil
}

// lookup はメールアドレスまたはIDでアカウントを取得する。
func (c *Console) lookup(ctx context.Context, ref string) (*model.Account, error) {
	ref = strings.TrimSpace(ref)

	var (
		account *model.Account
		err     error
	)
	if strings.Contains(ref, "@") {
		account, err = c.accounts.FindByEmail(ctx, strings.ToLower(ref))
	} else if _, parseErr := uuid.Parse(ref); parseErr == nil {
		account, err = c.accounts.FindByID(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %q not found", ref)
	}
	return account, nil
}
