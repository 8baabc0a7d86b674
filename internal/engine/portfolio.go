package engine

// Portfolio state: accounts with cash sub-balances and typed positions
// (lots), mutation primitives, and net-worth computation. Every mutator
// appends a ledger entry before returning.

// TaxTreatment is the tax discipline of an account.
type TaxTreatment int

const (
	TreatmentTaxable TaxTreatment = iota
	TreatmentTaxDeferred
	TreatmentTaxFree
	TreatmentIlliquid // untaxed-illiquid
)

func (t TaxTreatment) String() string {
	switch t {
	case TreatmentTaxable:
		return "taxable"
	case TreatmentTaxDeferred:
		return "tax_deferred"
	case TreatmentTaxFree:
		return "tax_free"
	case TreatmentIlliquid:
		return "illiquid"
	default:
		return "?"
	}
}

// AccountFlavor is the structural shape of an account.
type AccountFlavor int

const (
	FlavorBank       AccountFlavor = iota // cash only
	FlavorInvestment                      // cash + ordered lots
	FlavorProperty                        // single non-fungible value, held in Cash
	FlavorLiability                       // negative cash
)

func (f AccountFlavor) String() string {
	switch f {
	case FlavorBank:
		return "bank"
	case FlavorInvestment:
		return "investment"
	case FlavorProperty:
		return "property"
	case FlavorLiability:
		return "liability"
	default:
		return "?"
	}
}

// Lot is a batch of units of one asset with a single purchase date and a
// single cost basis for the whole lot. Partial disposal mutates units and
// basis downward proportionally; identity and insertion order are preserved.
type Lot struct {
	Asset    AssetID
	Acquired Date
	Units    float64
	Basis    float64
}

// ContributionPolicy caps credited contributions per calendar year.
type ContributionPolicy struct {
	AnnualCap    float64
	CarryForward bool // unused allowance rolls into later years
}

// AccountDef is the immutable, plan-level definition of an account.
type AccountDef struct {
	Name         string
	Treatment    TaxTreatment
	Flavor       AccountFlavor
	InitialCash  float64
	CashRate     ProfileID // NoProfile when cash bears no interest
	InitialLots  []Lot
	Contribution *ContributionPolicy
	WithholdRate float64 // withholding on gross ordinary income credited here
	// Deferred accounts are defined in config but created by a
	// CreateAccount effect; they start inactive.
	Deferred bool
}

// Account is the mutable per-iteration state of one account.
type Account struct {
	ID        AccountID
	Treatment TaxTreatment
	Flavor    AccountFlavor
	Cash      float64
	CashRate  ProfileID
	Lots      []Lot
	Active    bool
	Deleted   bool

	contributedYTD float64
	capAllowance   float64 // current-year cap including any carry-forward
}

// Portfolio owns all account state for one iteration.
type Portfolio struct {
	accounts []Account
	defs     []AccountDef
	reg      *Registry
	ledger   *Ledger
}

// NewPortfolio builds per-iteration account state from the plan definitions.
func NewPortfolio(defs []AccountDef, reg *Registry, ledger *Ledger) *Portfolio {
	p := &Portfolio{
		accounts: make([]Account, len(defs)),
		defs:     defs,
		reg:      reg,
		ledger:   ledger,
	}
	p.Reset()
	return p
}

// Reset rewinds all accounts to their configured state, retaining lot slice
// capacity where possible.
func (p *Portfolio) Reset() {
	for i := range p.defs {
		def := &p.defs[i]
		a := &p.accounts[i]
		a.ID = AccountID(i)
		a.Treatment = def.Treatment
		a.Flavor = def.Flavor
		a.Cash = def.InitialCash
		a.CashRate = def.CashRate
		a.Active = !def.Deferred
		a.Deleted = false
		a.contributedYTD = 0
		if def.Contribution != nil {
			a.capAllowance = def.Contribution.AnnualCap
		} else {
			a.capAllowance = 0
		}
		a.Lots = a.Lots[:0]
		a.Lots = append(a.Lots, def.InitialLots...)
	}
}

// Account returns the live state for an id, or nil when the id is out of
// range or the account is deleted/inactive.
func (p *Portfolio) Account(id AccountID) *Account {
	if id < 0 || int(id) >= len(p.accounts) {
		return nil
	}
	a := &p.accounts[id]
	if a.Deleted || !a.Active {
		return nil
	}
	return a
}

// accountAny returns the slot even when inactive or deleted.
func (p *Portfolio) accountAny(id AccountID) *Account {
	if id < 0 || int(id) >= len(p.accounts) {
		return nil
	}
	return &p.accounts[id]
}

// NumAccounts returns the account slot count (including inactive slots).
func (p *Portfolio) NumAccounts() int { return len(p.accounts) }

// Credit adds cash to an account and appends a ledger entry.
func (p *Portfolio) Credit(date Date, id AccountID, amount float64, kind CashKind, ev EventID) error {
	a := p.Account(id)
	if a == nil {
		return &LookupError{Kind: "account", Name: p.reg.AccountName(id)}
	}
	a.Cash += amount
	p.ledger.Append(Entry{Date: date, Kind: RecordCashCredit, Account: id, Asset: NoAsset, Event: ev, Amount: amount, CashKind: kind})
	return nil
}

// Debit removes cash from an account and appends a ledger entry. The caller
// decides clamping policy; Debit itself does not check the resulting balance
// for any account flavor.
func (p *Portfolio) Debit(date Date, id AccountID, amount float64, kind CashKind, ev EventID) error {
	a := p.Account(id)
	if a == nil {
		return &LookupError{Kind: "account", Name: p.reg.AccountName(id)}
	}
	a.Cash -= amount
	p.ledger.Append(Entry{Date: date, Kind: RecordCashDebit, Account: id, Asset: NoAsset, Event: ev, Amount: amount, CashKind: kind})
	return nil
}

// AddLot appends a lot to an investment account and records the purchase.
func (p *Portfolio) AddLot(date Date, coord AssetCoord, lot Lot, ev EventID) error {
	a := p.Account(coord.Account)
	if a == nil {
		return &LookupError{Kind: "account", Name: p.reg.AccountName(coord.Account)}
	}
	if a.Flavor != FlavorInvestment {
		return &AccountTypeError{Account: p.reg.AccountName(coord.Account), Op: "asset purchase", Flavor: a.Flavor}
	}
	a.Lots = append(a.Lots, lot)
	p.ledger.Append(Entry{
		Date: date, Kind: RecordAssetPurchase, Account: coord.Account, Asset: lot.Asset, Event: ev,
		Amount: lot.Basis, Units: lot.Units, Basis: lot.Basis,
	})
	return nil
}

// CashBalance returns the cash sub-balance (0 for unknown accounts).
func (p *Portfolio) CashBalance(id AccountID) float64 {
	a := p.Account(id)
	if a == nil {
		return 0
	}
	return a.Cash
}

// AssetUnits returns the unit total for a coordinate.
func (p *Portfolio) AssetUnits(coord AssetCoord) float64 {
	a := p.Account(coord.Account)
	if a == nil {
		return 0
	}
	total := 0.0
	for i := range a.Lots {
		if a.Lots[i].Asset == coord.Asset {
			total += a.Lots[i].Units
		}
	}
	return total
}

// AssetValue returns units × current price for a coordinate.
func (p *Portfolio) AssetValue(coord AssetCoord, m *Market) float64 {
	return p.AssetUnits(coord) * m.Price(coord.Asset)
}

// Balance returns cash plus the market value of all positions.
func (p *Portfolio) Balance(id AccountID, m *Market) float64 {
	a := p.Account(id)
	if a == nil {
		return 0
	}
	total := a.Cash
	for i := range a.Lots {
		total += a.Lots[i].Units * m.Price(a.Lots[i].Asset)
	}
	return total
}

// NetWorth sums all active account balances; liability cash is naturally
// negative.
func (p *Portfolio) NetWorth(m *Market) float64 {
	total := 0.0
	for i := range p.accounts {
		a := &p.accounts[i]
		if a.Deleted || !a.Active {
			continue
		}
		total += a.Cash
		for j := range a.Lots {
			total += a.Lots[j].Units * m.Price(a.Lots[j].Asset)
		}
	}
	return total
}

// compactLots drops exhausted lots (units driven to zero by disposal),
// preserving the relative order of survivors. Call only between effects so
// lot indices stay stable within a single disposal.
func (a *Account) compactLots() {
	const epsilon = 1e-12
	w := 0
	for i := range a.Lots {
		if a.Lots[i].Units > epsilon {
			a.Lots[w] = a.Lots[i]
			w++
		}
	}
	a.Lots = a.Lots[:w]
}

// recordContribution tracks cap usage for a capped account. Returns the
// portion allowed; the remainder was clamped.
func (a *Account) recordContribution(def *AccountDef, amount float64) (allowed float64) {
	if def.Contribution == nil {
		return amount
	}
	room := a.capAllowance - a.contributedYTD
	if room <= 0 {
		return 0
	}
	if amount > room {
		amount = room
	}
	a.contributedYTD += amount
	return amount
}

// rollContributionYear resets annual contribution tracking at a year
// boundary, carrying unused allowance forward when the policy says so.
func (a *Account) rollContributionYear(def *AccountDef) {
	if def.Contribution == nil {
		return
	}
	unused := a.capAllowance - a.contributedYTD
	a.capAllowance = def.Contribution.AnnualCap
	if def.Contribution.CarryForward && unused > 0 {
		a.capAllowance += unused
	}
	a.contributedYTD = 0
}
