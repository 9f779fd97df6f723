package ir

// OutlinedCallSite locates one call boundary inside an outlined body.
type OutlinedCallSite struct {
	Site   CallSiteID
	Block  BlockID
	Callee EntryID
	Kind   EdgeKind
}

// Outlined is a disposable, self-contained copy of one entry point's
// reachable code, with every call edge replaced by a pre-call marker,
// a callee-effect summary and a post-call marker. Block identifiers are
// local to the outlined body; block 0 is the entry block.
//
// An Outlined is scoped to a single analysis attempt and must be
// released by its builder afterwards.
type Outlined struct {
	Entry  EntryID
	ID     uint32
	Blocks []Block

	CallSites []OutlinedCallSite
	// Returns lists the blocks ending in a normal return or tail call.
	Returns []BlockID
	// Truncated reports that the reachable-block cap was hit and the
	// body is incomplete; analyses should stay conservative.
	Truncated bool
}

// EntryBlock returns the outlined entry block.
func (o *Outlined) EntryBlock() *Block { return &o.Blocks[0] }

// Block returns the outlined block with the given local identifier.
func (o *Outlined) Block(id BlockID) *Block { return &o.Blocks[id] }
