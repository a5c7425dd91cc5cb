package prompt

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	"triage.md":   triageTemplate,
	"research.md": researchTemplate,
	"fix.md":      fixTemplate,
	"review.md":   reviewTemplate,
}

const triageTemplate = `# Triage: {{issue_title}}

> **Do not modify any files.** This stage only reads the repository and classifies the issue.

## Issue #{{issue_number}}
{{issue_body}}
{{#if issue_labels}}

Labels: {{issue_labels}}
{{/if}}

## Repository Context
Working in: {{workspace_path}}
Base branch: {{base_branch}}

## Task
Decide whether this issue can be fixed automatically by a code change with no human input.

Classifications:
- FIXABLE_CODE: a defect with a clear, contained fix in source code
- FIXABLE_CONFIG: a defect fixed by a configuration or build change
- NEEDS_CLARIFICATION: the report is ambiguous or missing reproduction details
- NEEDS_HUMAN: the fix needs design decisions, product input, or broad refactoring
- ALREADY_DONE: the described behaviour is already fixed on the base branch
- DUPLICATE: another issue covers the same problem
- OUT_OF_SCOPE: not a defect in this repository

## Output
End your answer with exactly one fenced JSON block:

` + "```json" + `
{
  "classification": "FIXABLE_CODE",
  "confidence": 0.85,
  "summary": "one or two sentences",
  "reasoning": "why this classification",
  "estimated_complexity": "trivial | small | medium | large",
  "suggested_approach": "optional",
  "risks": ["optional"],
  "questions_if_unclear": ["required when NEEDS_CLARIFICATION"]
}
` + "```" + `
`

const researchTemplate = `# Research: {{issue_title}}

> **Do not modify any files.** Investigate only.

## Issue #{{issue_number}}
{{issue_body}}

## Previous Triage Analysis
**Classification:** {{triage_classification}}
**Summary:** {{triage_summary}}
{{#if triage_complexity}}
**Complexity:** {{triage_complexity}}
{{/if}}
{{#if triage_approach}}
**Suggested approach:** {{triage_approach}}
{{/if}}

## Repository Context
Working in: {{workspace_path}}
Base branch: {{base_branch}}

## Task
1. Locate the code involved in the reported behaviour
2. Identify the root cause
3. Propose the smallest fix that resolves it
4. Describe how the fix should be tested

## Output
End your answer with exactly one fenced JSON block:

` + "```json" + `
{
  "confidence": 0.8,
  "files_analyzed": ["path/to/file"],
  "root_cause": "what is wrong and where",
  "proposed_fix": "what to change",
  "affected_areas": ["module or feature"],
  "test_strategy": "how to verify"
}
` + "```" + `
`

const fixTemplate = `# Fix: {{issue_title}}

> **Do not invoke any skills or slash commands.** Use only built-in tools.

## Issue #{{issue_number}}
{{issue_body}}

## Repository Context
Working in: {{workspace_path}}
Branch: {{branch}} (based on {{base_branch}})
Attempt: {{attempt}} of {{max_attempts}}
{{#if research_root_cause}}

## Research Findings
**Root cause:** {{research_root_cause}}
{{#if research_proposed_fix}}
**Proposed fix:** {{research_proposed_fix}}
{{/if}}
{{#if research_affected_areas}}
**Affected areas:** {{research_affected_areas}}
{{/if}}
{{#if research_test_strategy}}
**Test strategy:** {{research_test_strategy}}
{{/if}}
{{/if}}
{{#if review_feedback}}

## Review Feedback From Previous Attempt
The previous fix was sent back. Address every point below:
{{review_feedback}}
{{/if}}

## Instructions
1. Make the smallest change that fixes the issue
2. Add or update tests that cover the fix
{{#if test_command}}
3. Run ` + "`{{test_command}}`" + ` and make sure it passes
{{/if}}
4. Commit your changes with a descriptive message. Add a trailer line ` + "`Confidence: 0.NN`" + ` to the commit message
5. Never commit credentials, ` + "`.env`" + ` files, or private keys

If after investigating you decide the issue should not be fixed automatically,
write your reason to a file named ` + "`{{skip_marker}}`" + ` in the repository root
and stop without committing.

## Output
End your answer with exactly one fenced JSON block:

` + "```json" + `
{
  "confidence": 0.8,
  "files_changed": ["path/to/file"],
  "summary": "what changed",
  "tests_added": ["path/to/test"],
  "testing_notes": "how it was verified",
  "caveats": ["optional"]
}
` + "```" + `
`

const reviewTemplate = `# Review: {{issue_title}}

> **Do not modify any files.** Review only.

## Issue #{{issue_number}}
{{issue_body}}

## Change Under Review
Branch: {{branch}} (based on {{base_branch}})
Review round: {{attempt}} of {{max_attempts}}
{{#if files_changed}}

### Files Changed
{{files_changed}}
{{/if}}
{{#if commit_message}}

### Latest Commit Message
{{commit_message}}
{{/if}}
{{#if fix_summary}}

### Author Summary
{{fix_summary}}
{{/if}}
{{#if research_root_cause}}

### Root Cause From Research
{{research_root_cause}}
{{/if}}
{{#if test_result}}

### Test Command Result
{{test_result}}
{{/if}}

### Diff
{{git_diff}}

## Task
Decide whether this change correctly and safely fixes the issue.

Verdicts:
- APPROVE: correct, minimal, and tested well enough to propose
- REQUEST_CHANGES: fixable problems; list them in "concerns" and "suggestions"
- BLOCK: wrong approach or unsafe; do not retry

## Output
End your answer with exactly one fenced JSON block:

` + "```json" + `
{
  "verdict": "APPROVE",
  "approved": true,
  "confidence": 0.85,
  "concerns": ["optional"],
  "suggestions": ["optional"]
}
` + "```" + `
`
