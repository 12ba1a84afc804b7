// ABOUTME: SSH agent protocol message numbers, signature flags, and constraint tags.
// ABOUTME: Values follow draft-miller-ssh-agent; byte-exact compatibility is required.

package proto

// Message numbers. Requests flow client to agent, responses agent to client.
const (
	MsgFailure                    byte = 5
	MsgSuccess                    byte = 6
	MsgRequestIdentities          byte = 11
	MsgIdentitiesAnswer           byte = 12
	MsgSignRequest                byte = 13
	MsgSignResponse               byte = 14
	MsgAddIdentity                byte = 17
	MsgRemoveIdentity             byte = 18
	MsgRemoveAllIdentities        byte = 19
	MsgAddSmartcardKey            byte = 20
	MsgRemoveSmartcardKey         byte = 21
	MsgLock                       byte = 22
	MsgUnlock                     byte = 23
	MsgAddIDConstrained           byte = 25
	MsgAddSmartcardKeyConstrained byte = 26
	MsgExtension                  byte = 27
	MsgExtensionFailure           byte = 28
	MsgExtensionResponse          byte = 29
)

// Signature request flags.
const (
	// SignFlagOldSignature is the legacy protocol-1 flag; never valid here.
	SignFlagOldSignature uint32 = 1
	SignFlagRSASHA256    uint32 = 2
	SignFlagRSASHA512    uint32 = 4
)

// Key constraint tags carried by the constrained add requests.
const (
	ConstrainLifetime  byte = 1
	ConstrainConfirm   byte = 2
	ConstrainExtension byte = 255
)
