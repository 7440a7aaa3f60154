package consts

import "errors"

var (
	ErrMailboxNotFound      = errors.New("mailbox not found")
	ErrDomainNotFound       = errors.New("domain not found")
	ErrCampaignNotFound     = errors.New("campaign not found")
	ErrLeadNotFound         = errors.New("lead not found")
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrMalformedEvent       = errors.New("malformed delivery event")
	ErrDuplicateEvent       = errors.New("delivery event already processed")
	ErrInternalError        = errors.New("internal error")
	ErrNotPermitted         = errors.New("operation not permitted")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")

	ErrArchiveUploadFailed = errors.New("archive upload failed")
)
