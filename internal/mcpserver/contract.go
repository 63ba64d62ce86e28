package mcpserver

// Guide describes how crudfs tracks files. It is served as the
// crudfs://guide resource.
const Guide = `# crudfs Usage Guide

crudfs keeps three views of every tracked file in step:

1. **Ledger**: an on-chain record keyed by keccak256(path) holding the
   path, the content identifier (CID) and a JSON metadata string. The
   ledger assigns the timestamp.
2. **Blob store**: the file content, addressed by its CID.
3. **Manifest**: a local JSON document mirroring every record the ledger
   confirmed, bound to one ledger contract address.

## Rules

1. **Paths** are absolute, or relative to the server root when one is
   configured. Paths that leave the root are refused.
2. **Metadata** is a flat JSON object of strings, e.g. ` + "`" + `{"owner":"ops"}` + "`" + `.
3. **CIDs** are CIDv1 (raw codec, sha2-256) strings such as ` + "`" + `bafkrei...` + "`" + `.
4. **Ordering**: every mutation talks to the ledger first, then the blob
   store, then the manifest. If any remote step fails, the manifest is left
   unchanged and the error names the failing tier.
5. **Reads** come from the manifest. Use ` + "`" + `verify_file` + "`" + ` to compare with the
   ledger; it reports drift but never rewrites anything.
6. **Delete** removes the ledger record and the manifest entry. The local
   file and the stored content stay where they are.

## Errors

Tool errors start with a kind, e.g. ` + "`" + `not_tracked: ...` + "`" + `:

| kind | meaning |
|------|---------|
| already_exists | the path is already tracked |
| not_tracked | the path is not in the manifest |
| file_not_found | the local file does not exist |
| ledger_rejected | the contract refused the transaction |
| ledger_timeout | no confirmation arrived in time |
| event_not_found | the confirmation event was missing |
| ledger_inconsistency | the confirmation named a different key |
| store_rejected / store_unavailable | the blob store refused or was unreachable |
| conflict | optimistic check failed or drift detected |

## Example

` + "```" + `
create_file  path=reports/q3.pdf  metadata={"owner":"finance"}
update_file  path=reports/q3.pdf  if_match=bafkrei...
verify_file  path=reports/q3.pdf
delete_file  path=reports/q3.pdf
` + "```" + `
`
