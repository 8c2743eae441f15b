// Package sales sorts the factory's LBPs into current, scheduled and previous token sales.
package sales

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
)

const (
	startLayout = "15:04 (UTC) 02-01-2006"
	dayLayout   = "02-01-2006"
)

// Sale is an LBP together with its sale token metadata.
type Sale struct {
	Pair  models.Pair
	Token models.TokenInfo
}

// Row is one line of the scheduled or previous sales tables.
type Row struct {
	Name         string    `json:"name"`
	Symbol       string    `json:"symbol"`
	PairAddress  string    `json:"pair_address"`
	TokenAddress string    `json:"token_address"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	When         string    `json:"when"`
}

// Schedule is the sale overview at a point in time.
type Schedule struct {
	// Current is the headline sale, nil when nothing is running.
	Current   *Sale  `json:"-"`
	Headline  string `json:"headline,omitempty"`
	Running   []Row  `json:"running"`
	Scheduled []Row  `json:"scheduled"`
	Previous  []Row  `json:"previous"`
}

// Classify splits sales at now. A sale is running when start <= now < end.
// Scheduled sales are ordered by start ascending, previous ones by end descending.
func Classify(sales []Sale, now time.Time) Schedule {
	s := Schedule{
		Running:   []Row{},
		Scheduled: []Row{},
		Previous:  []Row{},
	}

	var scheduled, previous []Sale
	for i := range sales {
		sale := sales[i]
		switch {
		case sale.Pair.IsActive(now):
			if s.Current == nil {
				s.Current = &sales[i]
				s.Headline = Headline(sale.Token)
			}
			s.Running = append(s.Running, row(sale, FormatRange(sale.Pair.StartTime, sale.Pair.EndTime)))
		case sale.Pair.StartTime.After(now):
			scheduled = append(scheduled, sale)
		default:
			previous = append(previous, sale)
		}
	}

	sort.SliceStable(scheduled, func(i, j int) bool {
		return scheduled[i].Pair.StartTime.Before(scheduled[j].Pair.StartTime)
	})
	sort.SliceStable(previous, func(i, j int) bool {
		return previous[i].Pair.EndTime.After(previous[j].Pair.EndTime)
	})

	for _, sale := range scheduled {
		s.Scheduled = append(s.Scheduled, row(sale, FormatStart(sale.Pair.StartTime)))
	}
	for _, sale := range previous {
		s.Previous = append(s.Previous, row(sale, FormatRange(sale.Pair.StartTime, sale.Pair.EndTime)))
	}
	return s
}

// Headline is the title of the running sale card.
func Headline(token models.TokenInfo) string {
	return token.Name + " Token Sale"
}

// FormatStart renders a sale start as "00:00 (UTC) 10-06-2021".
func FormatStart(t time.Time) string {
	return t.UTC().Format(startLayout)
}

// FormatRange renders a sale period as "01-01-2021 - 04-01-2021".
func FormatRange(start, end time.Time) string {
	return start.UTC().Format(dayLayout) + " - " + end.UTC().Format(dayLayout)
}

func row(sale Sale, when string) Row {
	return Row{
		Name:         sale.Token.Name,
		Symbol:       sale.Token.Symbol,
		PairAddress:  sale.Pair.ContractAddr,
		TokenAddress: sale.Pair.TokenInfo().ContractAddr,
		Start:        sale.Pair.StartTime.UTC(),
		End:          sale.Pair.EndTime.UTC(),
		When:         when,
	}
}

// Querier lists the factory's pairs and their token metadata.
type Querier interface {
	GetLBPs(ctx context.Context, factoryAddr string) ([]models.Pair, error)
	GetTokenInfos(ctx context.Context, contractAddrs []string) (map[string]models.TokenInfo, error)
}

// Load lists every LBP of the factory with its sale token metadata.
func Load(ctx context.Context, q Querier, factoryAddr string) ([]Sale, error) {
	pairs, err := q.GetLBPs(ctx, factoryAddr)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(pairs))
	seen := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		addr := p.TokenInfo().ContractAddr
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}

	infos, err := q.GetTokenInfos(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("failed to load sale token info: %w", err)
	}

	out := make([]Sale, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Sale{Pair: p, Token: infos[p.TokenInfo().ContractAddr]})
	}
	return out, nil
}
