package wire

// Payload types for each OnWireMessage variant named in spec.md §3. GroupId and UserId
// are carried as strings on the wire (UUID's canonical text form, and the opaque UserId
// handle respectively) so the codec has no dependency beyond encoding/json.

// UserRegister registers a new Credential with the AS.
type UserRegister struct {
	UserID          string `json:"user_id"`
	VerificationKey []byte `json:"verification_key"`
	Signature       []byte `json:"signature"`
}

// UserCredentialLookup asks the AS for a single user's verification key.
type UserCredentialLookup struct {
	UserID string `json:"user_id"`
}

// UserSyncCredentials asks the AS for a bulk refresh of several users' verification keys.
type UserSyncCredentials struct {
	UserIDs []string `json:"user_ids"`
}

// UserKeyPackagesForDS uploads freshly generated KeyPackages to the DS's per-user pool.
type UserKeyPackagesForDS struct {
	UserID   string   `json:"user_id"`
	Packages [][]byte `json:"packages"`
}

// RetrieveKeyPackage asks the DS to pop one unused KeyPackage for TargetUserID, the
// request half of spec.md §4.1's retrieve_keypackage operation (the explicit tag list in
// spec.md §6 covers only the response half, DSKeyPackageResponse).
type RetrieveKeyPackage struct {
	TargetUserID string `json:"target_user_id"`
}

// DSKeyPackageResponse answers a KeyPackage retrieval request.
type DSKeyPackageResponse struct {
	Package   []byte `json:"package,omitempty"`
	Available bool   `json:"available"`
}

// UserStandardSend is an unordered (sealed-sender-eligible) send.
type UserStandardSend struct {
	GroupID      string   `json:"group_id"`
	SealedSender []byte   `json:"sealed_sender,omitempty"`
	Sender       string   `json:"sender,omitempty"`
	Recipients   []string `json:"recipients"`
	Ciphertext   []byte   `json:"ciphertext"`
}

// UserReliableSend is an ordered send, requiring the DS to acquire the group's mutex.
// ExpectedSeq is the sender's optimistic-concurrency claim about how many ordered
// messages it believes the group already has; a mismatch makes the DS hand back the
// missing suffix instead of committing, per spec.md §4.1.
type UserReliableSend struct {
	GroupID     string   `json:"group_id"`
	Sender      string   `json:"sender"`
	ExpectedSeq uint64   `json:"expected_seq"`
	Recipients  []string `json:"recipients"`
	Ciphertext  []byte   `json:"ciphertext"`
}

// UserSync requests delivery of everything queued for a user: the unordered queue (which
// also carries the fan-out copies of other members' ordered messages) and the invite queue.
type UserSync struct {
	UserID string `json:"user_id"`
}

// OrderedEnvelope is one entry in a DSResult's preceding-and-sent suffix or in a sync
// response's ordered backlog.
type OrderedEnvelope struct {
	GroupID    string `json:"group_id"`
	Sender     string `json:"sender"`
	Ciphertext []byte `json:"ciphertext"`
	Sequence   uint64 `json:"sequence"`
}

// DSResult answers a UserReliableSend.
type DSResult struct {
	Accepted                    bool              `json:"accepted"`
	PrecedingAndSentOrderedMsgs []OrderedEnvelope `json:"preceding_and_sent_ordered_msgs,omitempty"`
	Error                       string            `json:"error,omitempty"`
}

// DSRelayedUserMsg is a single message the DS is handing to a recipient, ordered or
// unordered, during a sync.
type DSRelayedUserMsg struct {
	GroupID    string `json:"group_id"`
	Ordered    bool   `json:"ordered"`
	Sender     string `json:"sender,omitempty"` // set by the DS for every message, sealed-sender sends included
	Ciphertext []byte `json:"ciphertext"`
	Sequence   uint64 `json:"sequence,omitempty"`
}

// UserInvite submits a completed Add's Welcome material to the DS for RecipientID, the
// wire-level counterpart to pipeline.InviteSubmission. Unlike UserStandardSend/
// UserReliableSend, its payload carries no MLS ciphertext — RecipientID has no group key
// yet, which is exactly what this frame delivers the means to derive.
type UserInvite struct {
	GroupID     string `json:"group_id"`
	RecipientID string `json:"recipient_id"`
	Epoch       uint64 `json:"epoch"`
	Welcome     []byte `json:"welcome"`
}

// Welcome carries MLS Welcome material for a newly added member, paired with the
// UpdateGroupState broadcast at the same epoch per the invariant in spec.md §4.4.
type Welcome struct {
	GroupID string `json:"group_id"`
	Epoch   uint64 `json:"epoch"`
	Data    []byte `json:"data"`
}

// ErrorMessage is a generic error payload, used for KindError frames (e.g. malformed
// request, rate limited, not pre-approved).
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
