package emailpoll

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/taskdef/models"
)

// Account holds the IMAP credentials of one email tool instance.
type Account struct {
	Address  string `json:"address"` // host:port, TLS
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialResolver looks up the IMAP account bound to a definition's email
// tool.
type CredentialResolver func(ctx context.Context, userID, emailToolID string) (Account, error)

// NewIMAPOpener returns an Opener that dials the resolved account over TLS.
func NewIMAPOpener(resolve CredentialResolver) Opener {
	return func(ctx context.Context, definition *models.TaskDefinition) (Mailbox, error) {
		account, err := resolve(ctx, definition.UserID, definition.EmailToolID)
		if err != nil {
			return nil, err
		}
		client, err := imapclient.DialTLS(account.Address, nil)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to connect to imap server").
				WithCategory(apperrors.CategoryNetwork)
		}
		if err := client.Login(account.Username, account.Password).Wait(); err != nil {
			_ = client.Close()
			return nil, apperrors.Unauthorized(fmt.Sprintf("imap login failed: %v", err))
		}
		return &imapMailbox{client: client}, nil
	}
}

// imapMailbox adapts an imapclient session to the Mailbox contract. INBOX is
// opened read-only so polling never alters flags.
type imapMailbox struct {
	client *imapclient.Client
}

func (m *imapMailbox) Select(ctx context.Context) (uint32, error) {
	data, err := m.client.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to select inbox").
			WithCategory(apperrors.CategoryNetwork)
	}
	return data.UIDValidity, nil
}

func (m *imapMailbox) UnseenUIDs(ctx context.Context) ([]uint32, error) {
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	data, err := m.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, apperrors.Wrap(err, "unseen search failed").
			WithCategory(apperrors.CategoryNetwork)
	}
	var uids []uint32
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (m *imapMailbox) FetchHeaders(ctx context.Context, uids []uint32) ([]Header, error) {
	imapUIDs := make([]imap.UID, len(uids))
	for i, uid := range uids {
		imapUIDs[i] = imap.UID(uid)
	}
	messages, err := m.client.Fetch(imap.UIDSetNum(imapUIDs...), &imap.FetchOptions{
		UID:      true,
		Envelope: true,
	}).Collect()
	if err != nil {
		return nil, apperrors.Wrap(err, "envelope fetch failed").
			WithCategory(apperrors.CategoryNetwork)
	}

	headers := make([]Header, 0, len(messages))
	for _, message := range messages {
		header := Header{UID: uint32(message.UID)}
		if envelope := message.Envelope; envelope != nil {
			header.Subject = envelope.Subject
			header.Date = envelope.Date
			if len(envelope.From) > 0 {
				header.From = envelope.From[0].Addr()
			}
		}
		headers = append(headers, header)
	}
	return headers, nil
}

func (m *imapMailbox) Close() error {
	if err := m.client.Logout().Wait(); err != nil {
		return m.client.Close()
	}
	return nil
}
