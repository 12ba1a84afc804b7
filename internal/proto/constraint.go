// ABOUTME: Key constraints attached to constrained add requests.
// ABOUTME: Lifetime, confirmation, extension, and opaquely-preserved unknown kinds.

package proto

import "github.com/2389/keywarden/internal/wire"

// Constraint restricts how an added key may be used. Unknown kinds are
// preserved opaquely so newer clients keep working against this agent.
type Constraint interface {
	constraintTag() byte
}

// LifetimeConstraint limits a key to Seconds of validity after it is added.
type LifetimeConstraint struct {
	Seconds uint32
}

func (LifetimeConstraint) constraintTag() byte { return ConstrainLifetime }

// ConfirmConstraint asks the agent to require explicit confirmation before
// each use of the key.
type ConfirmConstraint struct{}

func (ConfirmConstraint) constraintTag() byte { return ConstrainConfirm }

// ExtensionConstraint carries an extension-defined constraint. Details is
// opaque and runs to the end of the request, so this constraint (like an
// unknown one) is always last.
type ExtensionConstraint struct {
	Name    string
	Details []byte
}

func (ExtensionConstraint) constraintTag() byte { return ConstrainExtension }

// UnknownConstraint preserves a constraint kind this implementation does not
// recognize. Data holds the raw remainder of the constraint block.
type UnknownConstraint struct {
	Tag  byte
	Data []byte
}

func (c UnknownConstraint) constraintTag() byte { return c.Tag }

// decodeConstraints consumes the remainder of the payload as a sequence of
// constraints. The sequence carries no count; it ends with the payload.
func decodeConstraints(r *wire.Reader) ([]Constraint, error) {
	var out []Constraint
	for r.Len() > 0 {
		tag, err := r.ReadByte("constraint tag")
		if err != nil {
			return nil, err
		}
		switch tag {
		case ConstrainLifetime:
			secs, err := r.ReadUint32("lifetime constraint")
			if err != nil {
				return nil, err
			}
			out = append(out, LifetimeConstraint{Seconds: secs})
		case ConstrainConfirm:
			out = append(out, ConfirmConstraint{})
		case ConstrainExtension:
			name, err := r.ReadString("extension constraint name")
			if err != nil {
				return nil, err
			}
			out = append(out, ExtensionConstraint{Name: string(name), Details: r.Rest()})
		default:
			// No per-kind framing exists for unknown constraints, so the
			// remainder of the payload is preserved as-is.
			out = append(out, UnknownConstraint{Tag: tag, Data: r.Rest()})
		}
	}
	return out, nil
}

func encodeConstraints(w *wire.Writer, constraints []Constraint) {
	for _, c := range constraints {
		switch c := c.(type) {
		case LifetimeConstraint:
			w.WriteByte(ConstrainLifetime)
			w.WriteUint32(c.Seconds)
		case ConfirmConstraint:
			w.WriteByte(ConstrainConfirm)
		case ExtensionConstraint:
			w.WriteByte(ConstrainExtension)
			w.WriteString([]byte(c.Name))
			w.Raw(c.Details)
		case UnknownConstraint:
			w.WriteByte(c.Tag)
			w.Raw(c.Data)
		}
	}
}
