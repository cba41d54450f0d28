package models

// ItemType classifies what an inventory item is. Feed and supplies run
// through the lot ledger; livestock uses the simpler two-sided balance path.
type ItemType string

const (
	ItemTypeFeed      ItemType = "feed"
	ItemTypeSupply    ItemType = "supply"
	ItemTypeLivestock ItemType = "livestock"
)

// LotOrigin records which document created a lot.
type LotOrigin string

const (
	LotOriginPurchase LotOrigin = "purchase"
	LotOriginMutation LotOrigin = "mutation"
)

// RecordState is the explicit lifecycle tag on lots and line items.
// Reversed rows stay queryable for audit but are excluded from balances;
// Purged rows survive only as tombstones for audit-record replay.
type RecordState string

const (
	RecordStateActive   RecordState = "Active"
	RecordStateReversed RecordState = "Reversed"
	RecordStatePurged   RecordState = "Purged"
)

// FindingType classifies integrity-audit findings.
type FindingType string

const (
	FindingOrphanedLot         FindingType = "OrphanedLot"
	FindingMissingLot          FindingType = "MissingLot"
	FindingPurchaseQtyMismatch FindingType = "PurchaseQtyMismatch"
	FindingMutationQtyMismatch FindingType = "MutationQtyMismatch"
	FindingDanglingLineItem    FindingType = "DanglingLineItem"
	FindingAggregateDrift      FindingType = "AggregateDrift"
	FindingBalanceMismatch     FindingType = "BalanceMismatch"
	// FindingInvariantViolation escalates a fix that would drive
	// used+mutated_out past quantity_in; never auto-applied.
	FindingInvariantViolation FindingType = "InvariantViolation"
)

// AuditAction is the corrective action recorded on an AuditRecord.
type AuditAction string

const (
	AuditActionDeleteLot        AuditAction = "DeleteLot"
	AuditActionSynthesizeLot    AuditAction = "SynthesizeLot"
	AuditActionRewriteQuantity  AuditAction = "RewriteQuantity"
	AuditActionRecomputeAverage AuditAction = "RecomputeAverage"
	AuditActionRecomputeBalance AuditAction = "RecomputeBalance"
	AuditActionRollback         AuditAction = "Rollback"
)
