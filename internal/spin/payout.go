package spin

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/spindle/internal/corpus"
)

// Board is the visible 5x3 symbol grid, indexed [reel][row].
type Board [corpus.ReelCount][corpus.VisibleRows]string

// LineWin is one winning payline.
type LineWin struct {
	Line   int
	Symbol string
	Count  int
	Payout decimal.Decimal
}

// Outcome is the full result of evaluating one spin of a configuration.
type Outcome struct {
	Board            Board
	LineWins         []LineWin
	ScatterCount     int
	ScatterPayout    decimal.Decimal
	FreeSpinsAwarded int
	TotalWin         decimal.Decimal
}

// Evaluator turns a reel configuration and a stake into a spin outcome.
type Evaluator interface {
	Evaluate(cfg *corpus.Configuration, bet decimal.Decimal) Outcome
}

// Paylines by row index per reel. Line 1 is the middle row.
var paylines = [][corpus.ReelCount]int{
	{1, 1, 1, 1, 1},
	{0, 0, 0, 0, 0},
	{2, 2, 2, 2, 2},
	{0, 1, 2, 1, 0},
	{2, 1, 0, 1, 2},
	{0, 0, 1, 2, 2},
	{2, 2, 1, 0, 0},
	{1, 0, 0, 0, 1},
	{1, 2, 2, 2, 1},
	{0, 1, 1, 1, 0},
}

// Payouts in hundredths of the stake, keyed by symbol then match count.
// S7 pays from two of a kind; everything else needs three.
var payoutTable = map[string]map[int]int{
	"S1": {3: 500, 4: 2000, 5: 10000},
	"S2": {3: 300, 4: 1000, 5: 5000},
	"S3": {3: 200, 4: 600, 5: 2000},
	"S4": {3: 150, 4: 400, 5: 1200},
	"S5": {3: 100, 4: 300, 5: 800},
	"S6": {3: 50, 4: 150, 5: 400},
	"S7": {2: 20, 3: 40, 4: 100, 5: 300},
}

// Scatters pay anywhere from two of a kind, in hundredths of the stake.
var scatterTable = map[int]int{2: 100, 3: 300, 4: 1000, 5: 5000}

// Free spins granted for three or more scatters.
var freeSpinsByScatter = map[int]int{3: 10, 4: 15, 5: 25}

// LineEvaluator evaluates spins against the payline and scatter tables.
// Safe for concurrent use.
type LineEvaluator struct {
	maxPayoutMultiplier int64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLineEvaluator constructs an evaluator. rng may be nil; a time-seeded
// source is used.
func NewLineEvaluator(maxPayoutMultiplier int, rng *rand.Rand) *LineEvaluator {
	if maxPayoutMultiplier <= 0 {
		maxPayoutMultiplier = 10000
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &LineEvaluator{
		maxPayoutMultiplier: int64(maxPayoutMultiplier),
		rng:                 rng,
	}
}

// Evaluate spins the reels at random stop positions and settles the board.
func (e *LineEvaluator) Evaluate(cfg *corpus.Configuration, bet decimal.Decimal) Outcome {
	board := e.spinBoard(cfg)
	return e.settle(board, bet)
}

// spinBoard draws one stop position per reel and reads the visible window.
func (e *LineEvaluator) spinBoard(cfg *corpus.Configuration) Board {
	var board Board

	e.mu.Lock()
	stops := make([]int, corpus.ReelCount)
	for r, reel := range cfg.Reels {
		if len(reel) > 0 {
			stops[r] = e.rng.Intn(len(reel))
		}
	}
	e.mu.Unlock()

	for r, reel := range cfg.Reels {
		n := len(reel)
		for row := 0; row < corpus.VisibleRows; row++ {
			if n == 0 {
				board[r][row] = "S7"
				continue
			}
			board[r][row] = reel[(stops[r]+row)%n]
		}
	}
	return board
}

func (e *LineEvaluator) settle(board Board, bet decimal.Decimal) Outcome {
	out := Outcome{
		Board:         board,
		ScatterPayout: decimal.Zero,
		TotalWin:      decimal.Zero,
	}

	for r := 0; r < corpus.ReelCount; r++ {
		for row := 0; row < corpus.VisibleRows; row++ {
			if board[r][row] == corpus.SymbolScatter {
				out.ScatterCount++
			}
		}
	}
	if val, ok := scatterTable[out.ScatterCount]; ok {
		out.ScatterPayout = hundredths(bet, val)
	}
	if spins, ok := freeSpinsByScatter[out.ScatterCount]; ok {
		out.FreeSpinsAwarded = spins
	}

	lineTotal := decimal.Zero
	for i, line := range paylines {
		win, ok := evaluateLine(board, line, bet)
		if !ok {
			continue
		}
		win.Line = i + 1
		out.LineWins = append(out.LineWins, win)
		lineTotal = lineTotal.Add(win.Payout)
	}

	out.TotalWin = e.applyMaxPayout(lineTotal.Add(out.ScatterPayout), bet)
	return out
}

// evaluateLine scores one payline left to right with wild substitution. Lines
// opening on a scatter or made of wilds alone do not pay.
func evaluateLine(board Board, line [corpus.ReelCount]int, bet decimal.Decimal) (LineWin, bool) {
	var symbols [corpus.ReelCount]string
	for r := 0; r < corpus.ReelCount; r++ {
		symbols[r] = board[r][line[r]]
	}
	if symbols[0] == corpus.SymbolScatter {
		return LineWin{}, false
	}

	base := ""
	for _, sym := range symbols {
		if sym != corpus.SymbolWild && sym != corpus.SymbolScatter {
			base = sym
			break
		}
	}
	if base == "" {
		return LineWin{}, false
	}

	count := 0
	for _, sym := range symbols {
		if sym != base && sym != corpus.SymbolWild {
			break
		}
		count++
	}

	table, ok := payoutTable[base]
	if !ok {
		return LineWin{}, false
	}
	val, ok := table[count]
	if !ok {
		return LineWin{}, false
	}
	return LineWin{Symbol: base, Count: count, Payout: hundredths(bet, val)}, true
}

func (e *LineEvaluator) applyMaxPayout(amount, bet decimal.Decimal) decimal.Decimal {
	maxPay := bet.Mul(decimal.NewFromInt(e.maxPayoutMultiplier))
	if amount.GreaterThan(maxPay) {
		return maxPay
	}
	return amount
}

func hundredths(bet decimal.Decimal, val int) decimal.Decimal {
	return bet.Mul(decimal.NewFromInt(int64(val))).Div(decimal.NewFromInt(100))
}
