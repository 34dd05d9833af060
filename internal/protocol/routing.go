package protocol

import "fmt"

type MessageKind string

const (
	MessageKindIdentityToken      MessageKind = "IdentityToken"
	MessageKindSubscriptionUpdate MessageKind = "SubscriptionUpdate"
	MessageKindTransactionUpdate  MessageKind = "TransactionUpdate"
)

// ServerMessage is one decoded inbound frame. Exactly one payload pointer is
// set, matching Kind.
type ServerMessage struct {
	Kind               MessageKind
	IdentityToken      *IdentityToken
	SubscriptionUpdate *SubscriptionUpdate
	TransactionUpdate  *TransactionUpdate
}

func (m ServerMessage) Validate() error {
	switch m.Kind {
	case MessageKindIdentityToken:
		if m.IdentityToken == nil {
			return fmt.Errorf("%s message without payload", m.Kind)
		}
		return validateIdentityToken(*m.IdentityToken)
	case MessageKindSubscriptionUpdate:
		if m.SubscriptionUpdate == nil {
			return fmt.Errorf("%s message without payload", m.Kind)
		}
		return validateTableUpdates(m.SubscriptionUpdate.TableUpdates)
	case MessageKindTransactionUpdate:
		if m.TransactionUpdate == nil {
			return fmt.Errorf("%s message without payload", m.Kind)
		}
		if m.TransactionUpdate.Event.FunctionCall.Reducer == "" {
			return fmt.Errorf("%s message missing reducer name", m.Kind)
		}
		return validateTableUpdates(m.TransactionUpdate.SubscriptionUpdate.TableUpdates)
	case "":
		return fmt.Errorf("server message kind is required")
	default:
		return fmt.Errorf("unknown server message kind %q", m.Kind)
	}
}

// TableUpdates returns the row operations carried by an update message.
func (m ServerMessage) TableUpdates() []TableUpdate {
	switch {
	case m.SubscriptionUpdate != nil:
		return m.SubscriptionUpdate.TableUpdates
	case m.TransactionUpdate != nil:
		return m.TransactionUpdate.SubscriptionUpdate.TableUpdates
	default:
		return nil
	}
}

func validateTableUpdates(updates []TableUpdate) error {
	for i, update := range updates {
		if update.TableName == "" {
			return fmt.Errorf("table update %d missing table_name", i)
		}
		for j, op := range update.TableRowOperations {
			switch op.Op {
			case RowOpInsert:
				if len(op.Row) == 0 {
					return fmt.Errorf("%s op %d: insert without row", update.TableName, j)
				}
			case RowOpDelete:
			default:
				return fmt.Errorf("%s op %d: unknown op %q", update.TableName, j, op.Op)
			}
		}
	}
	return nil
}

type MessageDecoder func(payload []byte) (ServerMessage, error)
