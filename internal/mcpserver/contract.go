package mcpserver

// TiddlerFormatContract describes how tidsync stores tiddlers on disk and
// how saves are routed, for LLM consumers writing through save_tiddler.
const TiddlerFormatContract = `# tidsync Tiddler Format

A tiddler is a titled unit of content. The title is its only identity.

## Fields

- ` + "`title`" + ` (required): unique within a main workspace and its sub-workspaces.
- ` + "`text`" + `: body text, usually TiddlyWiki wikitext.
- ` + "`tags`" + `: list of tag titles. A tag is itself a tiddler title.
- ` + "`created`" + ` / ` + "`modified`" + `: set by the engine when omitted.
- any other string field is stored verbatim.

## Files

Each tiddler is one ` + "`.tid`" + ` file: ` + "`name: value`" + ` header lines, a blank
line, then the text. Binary content is stored as the raw file next to a
` + "`.meta`" + ` file holding the header only.

## Routing

Every save is routed. A tiddler whose tags place it in the tag tree of a
sub-workspace's routing tag (tagged with it directly or through a chain of
tags) is written into that sub-workspace; everything else goes to the main
workspace. Changing tags can move a tiddler between workspaces, and any
attachment under ` + "`files/`" + ` referenced by ` + "`_canonical_uri`" + ` moves with it.

## Reserved titles

- ` + "`$:/info/...`" + ` titles are read-only.
- ` + "`$:/temp/...`" + ` titles are kept in memory only and never written.
`
