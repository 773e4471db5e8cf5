package mcpserver

// EventFormatGuide describes the shape of reconstructed archive data so LLM
// consumers can interpret tool results.
const EventFormatGuide = `# Archive Event Format

Every tool returns JSON. The archive is read-only; nothing can be modified
through these tools.

## Conversation

- ` + "`id`" + `: stable identifier, unchanged by reimports of the same export.
- ` + "`display_name`" + `: the page title, when the export had one.
- ` + "`participants`" + `: usernames seen in the thread.
- ` + "`message_count`" + `, ` + "`last_event_at`" + `, ` + "`has_media`" + `.

## Event

- ` + "`timestamp`" + `: UTC, RFC 3339. **Absent** when the export carried no
  parseable time; such events sort after all timed events.
- ` + "`kind`" + `: one of text, media, snap, snap_video, note, sticker, share,
  call, status, memory, unknown.
- ` + "`sender`" + ` is the username; ` + "`sender_name`" + ` the friend's display name if known.
- ` + "`media`" + `: linked files, paths relative to the extracted export.
- ` + "`metadata.unresolved_media`" + `: references that matched no file. These
  are reported honestly as missing, never guessed.
- ` + "`metadata.sources`" + `: html, json or both when the two agreed.

## Paging

` + "`get_events_page`" + ` and ` + "`list_media`" + ` return ` + "`next_cursor`" + ` and
` + "`has_more`" + `. Pass the cursor back unchanged to continue; limits are
clamped to 1..500.

## Search

Queries are matched as literal words; every word must appear. Quotes and
operators have no special meaning. Queries longer than 500 characters are
rejected.
`
