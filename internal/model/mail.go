package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Folder is a per-recipient mailbox folder.
type Folder string

// Mailbox folders. A message has exactly one sender-owned "sent" row and one
// "inbox" row per addressee; "trash" exists in the schema for moved messages.
const (
	FolderInbox Folder = "inbox"
	FolderSent  Folder = "sent"
	FolderTrash Folder = "trash"
)

// ValidFolder reports whether f is one of the known folders.
func ValidFolder(f Folder) bool {
	return f == FolderInbox || f == FolderSent || f == FolderTrash
}

// SnippetLen is the mailbox-listing body truncation length.
const SnippetLen = 280

// MailUser is a SmartMail account.
type MailUser struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
}

// SendInternalRequest is the body of POST /v1/smartmail/send_internal.
// ThreadID, when set, appends the message to an existing thread instead of
// opening a new one.
type SendInternalRequest struct {
	ToUsernames []string   `json:"to_usernames"`
	Subject     string     `json:"subject,omitempty"`
	Body        string     `json:"body"`
	ThreadID    *uuid.UUID `json:"thread_id,omitempty"`
}

// ValidateSendInternal checks a send request against field limits.
func ValidateSendInternal(req SendInternalRequest) error {
	if len(req.ToUsernames) == 0 {
		return fmt.Errorf("to_usernames must contain at least one recipient")
	}
	if len(req.ToUsernames) > MaxRecipients {
		return fmt.Errorf("to_usernames exceeds maximum of %d recipients", MaxRecipients)
	}
	for i, u := range req.ToUsernames {
		if u == "" {
			return fmt.Errorf("to_usernames[%d] is empty", i)
		}
	}
	if len(req.Subject) > MaxSubjectLen {
		return fmt.Errorf("subject exceeds maximum length of %d characters", MaxSubjectLen)
	}
	if req.Body == "" {
		return fmt.Errorf("body is required")
	}
	if len(req.Body) > MaxBodyLen {
		return fmt.Errorf("body exceeds maximum length of %d bytes", MaxBodyLen)
	}
	return nil
}

// SendInternalResult reports the rows created by a successful internal send.
type SendInternalResult struct {
	ThreadID  uuid.UUID `json:"thread_id"`
	MessageID uuid.UUID `json:"message_id"`
}

// MailboxEntry is one row of a folder listing. Peer is the counterparty
// username: the sender for inbox rows, the first recipient for sent rows.
type MailboxEntry struct {
	MessageID uuid.UUID `json:"message_id"`
	ThreadID  uuid.UUID `json:"thread_id"`
	Peer      string    `json:"peer"`
	Subject   string    `json:"subject"`
	Snippet   string    `json:"snippet"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// ThreadMessage is one message of a thread view, full body included.
type ThreadMessage struct {
	MessageID uuid.UUID `json:"message_id"`
	Sender    string    `json:"sender"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// SendExternalRequest is the body of POST /v1/smartmail/send_external.
type SendExternalRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// SendExternalResult reports an external delivery. The local sent-copy ids
// are present only when the copy row was actually recorded; the email itself
// is delivered either way.
type SendExternalResult struct {
	Delivered bool       `json:"delivered"`
	ThreadID  *uuid.UUID `json:"thread_id,omitempty"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
}

// ValidateSendExternal checks an external send request.
func ValidateSendExternal(req SendExternalRequest) error {
	if req.To == "" {
		return fmt.Errorf("to is required")
	}
	if len(req.Subject) > MaxSubjectLen {
		return fmt.Errorf("subject exceeds maximum length of %d characters", MaxSubjectLen)
	}
	if req.Body == "" {
		return fmt.Errorf("body is required")
	}
	if len(req.Body) > MaxBodyLen {
		return fmt.Errorf("body exceeds maximum length of %d bytes", MaxBodyLen)
	}
	return nil
}
