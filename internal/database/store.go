package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proposal operations

func (d *Database) CreateProposal(p *TradeProposal) error {
	return d.db.Create(p).Error
}

func (d *Database) GetProposal(id uint) (*TradeProposal, error) {
	var p TradeProposal
	err := d.db.First(&p, id).Error
	return &p, err
}

// ListProposals returns proposals newest first, optionally filtered by status.
func (d *Database) ListProposals(status ProposalStatus, limit int) ([]TradeProposal, error) {
	q := d.db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var proposals []TradeProposal
	err := q.Find(&proposals).Error
	return proposals, err
}

// TransitionProposal moves a proposal from one status to another, applying
// extra field updates in the same write. The update only matches while the
// stored status still equals from; otherwise ErrConflict is returned and the
// row is left untouched.
func (d *Database) TransitionProposal(id uint, from, to ProposalStatus, fields map[string]interface{}) error {
	updates := map[string]interface{}{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range fields {
		updates[k] = v
	}
	res := d.db.Model(&TradeProposal{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ApprovedProposals returns approved proposals oldest first, the order the
// batch executor submits them in.
func (d *Database) ApprovedProposals() ([]TradeProposal, error) {
	var proposals []TradeProposal
	err := d.db.Where("status = ?", StatusApproved).Order("created_at ASC").Find(&proposals).Error
	return proposals, err
}

// ProposalsWithBrokerOrders returns rows the reconciler compares against the
// exchange: a broker order id is set and the proposal is approved or executed.
func (d *Database) ProposalsWithBrokerOrders() ([]TradeProposal, error) {
	var proposals []TradeProposal
	err := d.db.
		Where("broker_order_id IS NOT NULL AND status IN ?", []ProposalStatus{StatusApproved, StatusExecuted}).
		Find(&proposals).Error
	return proposals, err
}

func (d *Database) ProposalsByStatus(status ProposalStatus) ([]TradeProposal, error) {
	var proposals []TradeProposal
	err := d.db.Where("status = ?", status).Order("created_at ASC").Find(&proposals).Error
	return proposals, err
}

func (d *Database) CountProposalsByStatus(status ProposalStatus) (int64, error) {
	var n int64
	err := d.db.Model(&TradeProposal{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

func (d *Database) ProposalsExecutedSince(since time.Time) ([]TradeProposal, error) {
	var proposals []TradeProposal
	err := d.db.
		Where("status = ? AND executed_at >= ?", StatusExecuted, since).
		Order("executed_at ASC").
		Find(&proposals).Error
	return proposals, err
}

// CountErroredProposalsSince counts proposals that entered error or
// dead_letter since the given instant.
func (d *Database) CountErroredProposalsSince(since time.Time) (int64, error) {
	var n int64
	err := d.db.Model(&TradeProposal{}).
		Where("status IN ? AND updated_at >= ?", []ProposalStatus{StatusError, StatusDeadLetter}, since).
		Count(&n).Error
	return n, err
}

// Position operations

func (d *Database) CreatePosition(p *Position) error {
	return d.db.Create(p).Error
}

func (d *Database) GetPosition(id uint) (*Position, error) {
	var p Position
	err := d.db.First(&p, id).Error
	return &p, err
}

// OpenPositions returns positions still carrying exposure, oldest first.
func (d *Database) OpenPositions() ([]Position, error) {
	var positions []Position
	err := d.db.
		Where("status IN ?", []PositionStatus{PositionOpen, PositionPartiallyClosed}).
		Order("opened_at ASC").
		Find(&positions).Error
	return positions, err
}

func (d *Database) CountOpenPositions() (int64, error) {
	var n int64
	err := d.db.Model(&Position{}).Where("status = ?", PositionOpen).Count(&n).Error
	return n, err
}

func (d *Database) CountOpenPositionsBySymbol(symbol string) (int64, error) {
	var n int64
	err := d.db.Model(&Position{}).
		Where("symbol = ? AND status = ?", symbol, PositionOpen).
		Count(&n).Error
	return n, err
}

// OldestOpenPosition returns the first-in open position for a symbol, the one
// a sell closes against.
func (d *Database) OldestOpenPosition(symbol string) (*Position, error) {
	var p Position
	err := d.db.
		Where("symbol = ? AND status IN ?", symbol, []PositionStatus{PositionOpen, PositionPartiallyClosed}).
		Order("opened_at ASC").
		First(&p).Error
	return &p, err
}

// UpdateOpenPosition applies field updates only while the position is still
// open or partially closed, so a concurrent close cannot be overwritten.
func (d *Database) UpdateOpenPosition(id uint, fields map[string]interface{}) error {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	for k, v := range fields {
		updates[k] = v
	}
	res := d.db.Model(&Position{}).
		Where("id = ? AND status IN ?", id, []PositionStatus{PositionOpen, PositionPartiallyClosed}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (d *Database) ClosedPositionsSince(since time.Time) ([]Position, error) {
	var positions []Position
	err := d.db.
		Where("status = ? AND closed_at >= ?", PositionClosed, since).
		Order("closed_at ASC").
		Find(&positions).Error
	return positions, err
}

func (d *Database) AllClosedPositions() ([]Position, error) {
	var positions []Position
	err := d.db.Where("status = ?", PositionClosed).Order("closed_at ASC").Find(&positions).Error
	return positions, err
}

// RealizedPnlSince sums realized PnL booked since the given instant: fully
// closed positions by close time plus partial closes by last update.
func (d *Database) RealizedPnlSince(since time.Time) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&Position{}).
		Select("COALESCE(SUM(realized_pnl), 0) as total").
		Where("(status = ? AND closed_at >= ?) OR (status = ? AND updated_at >= ?)",
			PositionClosed, since, PositionPartiallyClosed, since).
		Scan(&result).Error
	return result.Total, err
}
