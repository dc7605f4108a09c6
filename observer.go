package davsync

// OperationType identifies which calendar operation completed.
type OperationType int

const (
	OpAdd OperationType = iota
	OpModify
	OpDelete
	OpGet
	OpGetAll
	OpRefresh
)

// String returns the operation name.
func (op OperationType) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpGet:
		return "get"
	case OpGetAll:
		return "get_all"
	case OpRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// OperationResult is handed to a completion listener exactly once per
// operation: an error (nil on success), the operation type, the affected
// item id, and an optional detail payload (the affected item, the fetched
// item list, or a conflict description).
type OperationResult struct {
	Err    error
	Op     OperationType
	ID     string
	Detail any
}

// OperationListener receives the completion of an asynchronous operation.
type OperationListener interface {
	OnOperationComplete(result OperationResult)
}

// ListenerFunc adapts a function to the OperationListener interface.
type ListenerFunc func(OperationResult)

// OnOperationComplete implements OperationListener.
func (f ListenerFunc) OnOperationComplete(result OperationResult) { f(result) }

// notifyListener invokes a listener if one is attached.
func notifyListener(l OperationListener, r OperationResult) {
	if l != nil {
		l.OnOperationComplete(r)
	}
}

// Observer receives calendar change events raised while reconciling remote
// state into the offline cache. Implementations must not block.
type Observer interface {
	OnItemAdded(item *Item)
	OnItemModified(item *Item)
	OnItemDeleted(uid string)
	OnError(err error)
}

// nopObserver is used when no observer is configured.
type nopObserver struct{}

func (nopObserver) OnItemAdded(*Item)    {}
func (nopObserver) OnItemModified(*Item) {}
func (nopObserver) OnItemDeleted(string) {}
func (nopObserver) OnError(error)        {}
