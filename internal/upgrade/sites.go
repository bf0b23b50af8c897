package upgrade

import (
	"fmt"
	"strings"

	"github.com/temirov/cmupgrade/internal/journal"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

const (
	recordSiteOwnerSeparatorConstant     = "|"
	recordSiteOwnerTemplateConstant      = "%s|%s"
	siteUnsupportedKindTemplateConstant  = "unsupported reference site kind %q"
	siteOwnerMalformedTemplateConstant   = "malformed record reference owner %q"
	siteReferenceMissingTemplateConstant = "reference %s not found on record %s"
)

// ReferenceSite is a stored reference to a node or record: a holder slot or a record reference field.
type ReferenceSite struct {
	Kind journal.SiteKind
	// Owner is the holder identifier for slots, or "node|record" for record references.
	Owner  string
	Name   string
	Node   scenegraph.NodeID
	Target scenegraph.ObjectRef
}

func recordSiteOwner(nodeID scenegraph.NodeID, recordID scenegraph.RecordID) string {
	return fmt.Sprintf(recordSiteOwnerTemplateConstant, nodeID, recordID)
}

// Describe renders the site for diagnostics.
func (site ReferenceSite) Describe() string {
	if site.Kind == journal.SiteKindSlot {
		return fmt.Sprintf(slotTargetTemplateConstant, site.Owner, site.Name)
	}
	nodeID, recordID, _ := strings.Cut(site.Owner, recordSiteOwnerSeparatorConstant)
	return fmt.Sprintf(recordReferenceTargetTemplateConstant, nodeID, recordID, site.Name)
}

// Pending converts the site into a journal entry for the deferred pass.
func (site ReferenceSite) Pending(scopeName string) journal.PendingReference {
	return journal.PendingReference{
		SiteScope: scopeName,
		Kind:      site.Kind,
		Owner:     site.Owner,
		Name:      site.Name,
		Target:    site.Target,
	}
}

// siteFromPending rebuilds a site from a journal entry.
func siteFromPending(pending journal.PendingReference) ReferenceSite {
	site := ReferenceSite{Kind: pending.Kind, Owner: pending.Owner, Name: pending.Name, Target: pending.Target}
	if pending.Kind == journal.SiteKindRecord {
		nodeID, _, _ := strings.Cut(pending.Owner, recordSiteOwnerSeparatorConstant)
		site.Node = scenegraph.NodeID(nodeID)
	}
	return site
}

// collectReferenceSites lists every slot and record reference in scope. Record references
// stored on nodes in skipped are omitted.
func collectReferenceSites(scope *scenegraph.Scope, skipped map[scenegraph.NodeID]struct{}) []ReferenceSite {
	var sites []ReferenceSite
	for _, holder := range scope.Holders {
		for _, slot := range holder.Slots {
			if slot.Target.IsZero() {
				continue
			}
			sites = append(sites, ReferenceSite{Kind: journal.SiteKindSlot, Owner: holder.ID, Name: slot.Name, Target: slot.Target})
		}
	}
	for _, node := range scope.Nodes {
		if _, skip := skipped[node.ID]; skip {
			continue
		}
		for _, record := range node.Records {
			for _, referenceName := range sortedKeys(record.References) {
				reference := record.References[referenceName]
				if reference.IsZero() {
					continue
				}
				sites = append(sites, ReferenceSite{
					Kind:   journal.SiteKindRecord,
					Owner:  recordSiteOwner(node.ID, record.ID),
					Name:   referenceName,
					Node:   node.ID,
					Target: reference,
				})
			}
		}
	}
	return sites
}

// applySite points the stored reference at target.
func applySite(scope *scenegraph.Scope, site ReferenceSite, target scenegraph.ObjectRef) error {
	switch site.Kind {
	case journal.SiteKindSlot:
		return scope.SetSlotTarget(site.Owner, site.Name, target)
	case journal.SiteKindRecord:
		nodeID, recordID, found := strings.Cut(site.Owner, recordSiteOwnerSeparatorConstant)
		if !found {
			return fmt.Errorf(siteOwnerMalformedTemplateConstant, site.Owner)
		}
		node, nodeError := scope.RequireNode(scenegraph.NodeID(nodeID))
		if nodeError != nil {
			return nodeError
		}
		record, recordFound := node.Record(scenegraph.RecordID(recordID))
		if !recordFound {
			return fmt.Errorf("%w: %s", scenegraph.ErrRecordNotFound, recordID)
		}
		if _, exists := record.References[site.Name]; !exists {
			return fmt.Errorf(siteReferenceMissingTemplateConstant, site.Name, recordID)
		}
		record.References[site.Name] = target
		scope.MarkChanged(node.ID)
		return nil
	default:
		return fmt.Errorf(siteUnsupportedKindTemplateConstant, site.Kind)
	}
}

// siteTarget reads the reference currently stored at site.
func siteTarget(scope *scenegraph.Scope, site ReferenceSite) (scenegraph.ObjectRef, bool) {
	switch site.Kind {
	case journal.SiteKindSlot:
		holder, found := scope.Holder(site.Owner)
		if !found {
			return scenegraph.ObjectRef{}, false
		}
		for _, slot := range holder.Slots {
			if slot.Name == site.Name {
				return slot.Target, true
			}
		}
	case journal.SiteKindRecord:
		nodeID, recordID, found := strings.Cut(site.Owner, recordSiteOwnerSeparatorConstant)
		if !found {
			return scenegraph.ObjectRef{}, false
		}
		node, nodeFound := scope.Node(scenegraph.NodeID(nodeID))
		if !nodeFound {
			return scenegraph.ObjectRef{}, false
		}
		record, recordFound := node.Record(scenegraph.RecordID(recordID))
		if !recordFound {
			return scenegraph.ObjectRef{}, false
		}
		reference, exists := record.References[site.Name]
		return reference, exists
	}
	return scenegraph.ObjectRef{}, false
}
