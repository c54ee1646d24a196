package mcpserver

// CardFormatContract describes how card blocks are written inside Markdown
// documents so that LLM consumers produce blocks the index recognises.
const CardFormatContract = `# Card Block Format

A card is a fenced block inside any Markdown document. The index tracks each
card by a content identity and remembers every place the card appears.

## Structure

` + "````" + `markdown
[[card:CID-9mOLwJzDby9]]
` + "```" + `book-card
title: Dune
author: Frank Herbert
year: 1965
tags: scifi classic
meta.isbn: 9780441013593
` + "```" + `
` + "````" + `

## Rules

1. **Fence tag** ends in ` + "`" + `-card` + "`" + ` (` + "`" + `book-card` + "`" + `, ` + "`" + `quote-card` + "`" + `, ` + "`" + `idea-card` + "`" + `).
   The part before the suffix is the card type.
2. **Closing fence** is a bare ` + "`" + "```" + "`" + ` line. A block without one is ignored.
3. **Fields** are ` + "`" + `key: value` + "`" + ` lines. ` + "`" + `tags` + "`" + ` is split on whitespace,
   ` + "`" + `meta.<key>` + "`" + ` lines are grouped under ` + "`" + `meta` + "`" + `. Nested YAML is accepted.
4. **Title** comes from ` + "`" + `title` + "`" + `, then ` + "`" + `quote` + "`" + `, then ` + "`" + `idea` + "`" + `.
5. **Identity marker** ` + "`" + `[[card:<cid>]]` + "`" + ` sits on the line directly above the fence.
   It is optional for new blocks and is rewritten when the card's identity changes.
   Do not invent identities: leave the marker out and let the index assign one.
6. **Identity** is derived from the block text with case, whitespace and
   punctuation ignored. Editing the wording of a card gives it a new identity;
   every other copy of the card is updated to match.
7. **Locations** are zero-based line numbers of the opening and closing fences.

## Tools

- ` + "`" + `reconcile_card` + "`" + ` after writing or editing a block (pass the previous identity when editing).
- ` + "`" + `find_card` + "`" + ` to check whether a card already exists before adding a copy.
- ` + "`" + `rebuild_index` + "`" + ` if documents were changed outside the watcher.
`
