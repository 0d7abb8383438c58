package agent

// CompressionPrompt instructs the model to summarize the conversation during
// compaction. The nine section names are contractual; downstream consumers
// and resumed conversations rely on this exact structure, so the text must
// not drift.
const CompressionPrompt = `Your task is to create a detailed summary of the conversation so far, paying close attention to the user's explicit requests and your previous actions.
This summary should be thorough in capturing technical details, code patterns, and architectural decisions that would be essential for continuing development work without losing context.

Before providing your final summary, wrap your analysis in <analysis> tags to organize your thoughts and ensure you've covered all necessary points. In your analysis process:

1. Chronologically analyze each message and section of the conversation. For each section thoroughly identify:
   - The user's explicit requests and intents
   - Your approach to addressing the user's requests
   - Key decisions, technical concepts and code patterns
   - Specific details like file names, full code snippets, function signatures, file edits, etc
2. Double-check for technical accuracy and completeness, addressing each required element thoroughly.

Your summary should include the following sections:

1. Primary Request and Intent: Capture all of the user's explicit requests and intents in detail
2. Key Technical Concepts: List all important technical concepts, technologies, and frameworks discussed.
3. Files and Code Sections: Enumerate specific files and code sections examined, modified, or created. Pay special attention to the most recent messages and include full code snippets where applicable and include a summary of why this file read or edit is important.
4. Errors and fixes: List all errors that you ran into, and how you fixed them. Pay special attention to specific user feedback that you received, especially if the user told you to do something differently.
5. Problem Solving: Document problems solved and any ongoing troubleshooting efforts.
6. All user messages: List ALL user messages that are not tool results. These are critical for understanding the users' feedback and changing intent.
7. Pending Tasks: Outline any pending tasks that you have explicitly been asked to work on.
8. Current Work: Describe in detail precisely what was being worked on immediately before this summary request, paying special attention to the most recent messages from both user and assistant. Include file names and full code snippets where applicable.
9. Optional Next Step: List the next step that you will take that is related to the most recent work you were doing. IMPORTANT: ensure that this step is DIRECTLY in line with the user's explicit requests, and the task you were working on immediately before this summary request. If your last task was concluded, then only list next steps if they are explicitly in line with the users request. Do not start on tangential requests without confirming with the user first.

Please provide your summary based on the conversation so far, following this structure and ensuring precision and thoroughness in your response.`

// CompressionNotice is the user message that precedes the summary in a
// compacted history.
const CompressionNotice = "[Context Compression Notice] The earlier conversation has been compressed into the summary that follows. Continue from that summary as if the full history were present."

// TruncationNotice prefixes a history that was cut by the truncation
// fallback when summarization failed.
const TruncationNotice = "[Context Truncation Notice] Earlier messages were removed to fit the context window. The conversation continues from this point."

// SubagentPromptNotes is appended to every subagent system prompt.
const SubagentPromptNotes = `Notes:
- You are an autonomous subagent. Complete the task described in the user message and report the result.
- Your final message is returned verbatim to the agent that spawned you; make it a self-contained answer, not a status update.
- You cannot ask the user questions. Make reasonable assumptions and state them.`
