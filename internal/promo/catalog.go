package promo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Code is a redeemable promo code.
type Code struct {
	Code      string `json:"code"`
	BonusGB   int    `json:"bonus_gb"`
	Unlimited bool   `json:"unlimited"`
}

// Catalog resolves promo codes.
type Catalog interface {
	Lookup(ctx context.Context, code string) (Code, bool, error)
}

// StaticCatalog is an in-memory catalog keyed by code.
type StaticCatalog map[string]Code

// NewStaticCatalog indexes codes, skipping empty codes and codes without a bonus.
func NewStaticCatalog(codes []Code) StaticCatalog {
	out := make(StaticCatalog, len(codes))
	for _, c := range codes {
		c.Code = strings.TrimSpace(c.Code)
		if c.Code == "" || (!c.Unlimited && c.BonusGB <= 0) {
			continue
		}
		out[c.Code] = c
	}
	return out
}

// Lookup returns the code.
func (s StaticCatalog) Lookup(_ context.Context, code string) (Code, bool, error) {
	c, ok := s[code]
	return c, ok, nil
}

var safeCode = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// FileCatalog reads codes from promocodes/promocodes.txt and bonuses from promocodes/discounts/<code>.txt.
type FileCatalog struct {
	dir string
}

// NewFileCatalog reads from the given data directory.
func NewFileCatalog(dataDir string) *FileCatalog {
	return &FileCatalog{dir: filepath.Join(dataDir, "promocodes")}
}

// Lookup reads the files on every call so edits apply without a restart.
func (f *FileCatalog) Lookup(_ context.Context, code string) (Code, bool, error) {
	if !safeCode.MatchString(code) {
		return Code{}, false, nil
	}
	listed, err := f.listed(code)
	if err != nil || !listed {
		return Code{}, false, err
	}
	raw, err := os.ReadFile(filepath.Join(f.dir, "discounts", code+".txt"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Code{}, false, fmt.Errorf("promo: code %s has no bonus file", code)
		}
		return Code{}, false, fmt.Errorf("promo: read bonus: %w", err)
	}
	bonus, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || bonus <= 0 {
		return Code{}, false, fmt.Errorf("promo: code %s has an invalid bonus %q", code, strings.TrimSpace(string(raw)))
	}
	return Code{Code: code, BonusGB: bonus}, true, nil
}

func (f *FileCatalog) listed(code string) (bool, error) {
	file, err := os.Open(filepath.Join(f.dir, "promocodes.txt"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("promo: open catalog: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == code {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("promo: read catalog: %w", err)
	}
	return false, nil
}

// Catalogs consults each catalog in order.
type Catalogs []Catalog

// Lookup returns the first match.
func (cs Catalogs) Lookup(ctx context.Context, code string) (Code, bool, error) {
	for _, c := range cs {
		found, ok, err := c.Lookup(ctx, code)
		if err != nil {
			return Code{}, false, err
		}
		if ok {
			return found, true, nil
		}
	}
	return Code{}, false, nil
}
