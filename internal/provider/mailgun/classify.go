package mailgun

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/shineum/mailgun-relay/internal/email"
)

// cidPattern matches cid:<id> enclosed in quotes or square brackets,
// e.g. src="cid:logo" or [cid:logo].
var cidPattern = regexp.MustCompile(`["\[]cid:(.*?)["\]]`)

// CIDSet is the set of content ids referenced by a message body.
type CIDSet map[string]struct{}

// Has reports whether cid is referenced.
func (s CIDSet) Has(cid string) bool {
	_, ok := s[cid]
	return ok
}

// ReferencedCIDs collects every cid referenced in the given bodies.
func ReferencedCIDs(bodies ...string) CIDSet {
	set := make(CIDSet)
	for _, body := range bodies {
		for _, m := range cidPattern.FindAllStringSubmatch(body, -1) {
			set[m[1]] = struct{}{}
		}
	}
	return set
}

// Classifier decides whether an attachment is sent as an inline image.
type Classifier struct {
	Name string

	// NeedsBody makes the transport scan the text and HTML bodies for cid
	// references. A message without either body is then rejected.
	NeedsBody bool

	Inline func(att email.Attachment, refs CIDSet) bool
}

// ReferencedImages treats an attachment as inline when it is an image and
// its cid is referenced from the body.
var ReferencedImages = Classifier{
	Name:      "reference",
	NeedsBody: true,
	Inline: func(att email.Attachment, refs CIDSet) bool {
		return isImage(att) && att.CID != "" && refs.Has(att.CID)
	},
}

// ImagesWithCID treats every image carrying a cid as inline, whether or not
// the body refers to it.
var ImagesWithCID = Classifier{
	Name: "content-type",
	Inline: func(att email.Attachment, _ CIDSet) bool {
		return isImage(att) && att.CID != ""
	},
}

// ClassifierByName returns a copy of the named built-in classifier. The
// empty name selects ReferencedImages.
func ClassifierByName(name string) (*Classifier, error) {
	switch strings.ToLower(name) {
	case "", ReferencedImages.Name:
		return ReferencedImages.clone(), nil
	case ImagesWithCID.Name:
		return ImagesWithCID.clone(), nil
	default:
		return nil, fmt.Errorf("unknown inline classifier %q", name)
	}
}

func (c Classifier) clone() *Classifier {
	return &c
}

// Partition splits attachments into inline and ordinary ones, keeping order.
func (c *Classifier) Partition(atts []email.Attachment, refs CIDSet) (inline, ordinary []email.Attachment) {
	return lo.FilterReject(atts, func(att email.Attachment, _ int) bool {
		return c.Inline(att, refs)
	})
}

func isImage(att email.Attachment) bool {
	return strings.HasPrefix(strings.ToLower(att.ContentType), "image/")
}
