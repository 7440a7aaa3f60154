package db

import (
	"errors"

	"github.com/Richardson2512/drason/consts"
)

// Sentinel errors for database operations. The shared sentinels alias consts
// so errors.Is matches the same value whether a caller compares against this
// package or against consts.
var (
	ErrMailboxNotFound      = consts.ErrMailboxNotFound
	ErrDomainNotFound       = consts.ErrDomainNotFound
	ErrCampaignNotFound     = consts.ErrCampaignNotFound
	ErrLeadNotFound         = consts.ErrLeadNotFound
	ErrOrganizationNotFound = consts.ErrOrganizationNotFound

	// ErrDuplicateMailbox indicates that a mailbox with the given address already exists
	ErrDuplicateMailbox = errors.New("mailbox already exists")

	// ErrDuplicateEvent indicates that a delivery event with the same dedup key
	// has already been recorded
	ErrDuplicateEvent = consts.ErrDuplicateEvent
)
