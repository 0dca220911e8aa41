// Package automation loads user-authored automations from YAML and exposes
// each one as a single tool. An automation is an ordered list of built-in
// tool calls whose arguments may reference the automation's inputs and the
// outputs of earlier steps.
//
// Example definition:
//
//	id: weekly_summary
//	name: Weekly summary
//	description: Read the weekly notes and chart the totals.
//	input_schema:
//	  type: object
//	  properties:
//	    week: {type: string}
//	  required: [week]
//	steps:
//	  - name: notes
//	    tool: read_file
//	    args: {path: "notes/{{.inputs.week}}.md"}
//	  - tool: chart_tool
//	    args:
//	      title: "Week {{.inputs.week}}"
//	      type: bar
//	      labels: [mon, tue]
//	      series: [{name: hours, values: [1, 2]}]
//	schedule:
//	  kind: cron
//	  expr: "0 9 * * 1"
//	  inputs: {week: current}
package automation
