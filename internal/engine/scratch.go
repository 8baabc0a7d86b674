package engine

// Arena holds the reusable per-iteration buffers for amount and effect
// evaluation. Everything here is cleared (length to zero, capacity retained)
// at the top of every tick; the hot loop allocates nothing after warmup.
type Arena struct {
	lotOrder []int       // liquidation: eligible lot indices, sorted per method
	slices   []LotSlice  // liquidation: planned disposal output
	chain    []EventID   // TriggerEvent chain-drain queue
	undo     []undoOp    // staged effect rollback log
	staged   []Entry     // staged ledger entries for the in-flight effect
	balances []float64   // sweep: per-source balance snapshot for ProRata
	assetSet []AssetID   // liquidation: distinct assets under average cost
	sources  []AccountID // sweep: source order under the withdrawal discipline
}

// NewArena creates an arena with modest pre-sized buffers.
func NewArena() *Arena {
	return &Arena{
		lotOrder: make([]int, 0, 64),
		slices:   make([]LotSlice, 0, 64),
		chain:    make([]EventID, 0, 16),
		undo:     make([]undoOp, 0, 64),
		staged:   make([]Entry, 0, 32),
		balances: make([]float64, 0, 16),
		assetSet: make([]AssetID, 0, 8),
		sources:  make([]AccountID, 0, 8),
	}
}

// ResetTick clears every buffer, retaining capacity.
func (s *Arena) ResetTick() {
	s.lotOrder = s.lotOrder[:0]
	s.slices = s.slices[:0]
	s.chain = s.chain[:0]
	s.undo = s.undo[:0]
	s.staged = s.staged[:0]
	s.balances = s.balances[:0]
	s.assetSet = s.assetSet[:0]
	s.sources = s.sources[:0]
}
