// File: internal/executor/scripts.go
package executor

import (
	"encoding/json"
	"fmt"

	"github.com/projectagentis/bridge/api/schemas"
)

// The step scripts run in the tab's page context. Each is an IIFE taking
// jsonEncode'd arguments so selectors and values never break out of their
// string literals. Scripts report element-level problems as data (an
// error string or null), never as thrown exceptions, so the executor can
// treat every step kind's failure identically.

// jsonEncode safely embeds a value into a script as a JS literal.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

const readyStateScript = `document.readyState`

// elementStateScript returns a script evaluating to true once the
// selector satisfies the requested state.
func elementStateScript(selector string, state schemas.WaitState) string {
	return fmt.Sprintf(`
        (function(sel, state) {
            const el = document.querySelector(sel);
            const rendered = function(node) {
                if (!node) return false;
                const rect = node.getBoundingClientRect();
                return node.getClientRects().length > 0 && rect.width > 0 && rect.height > 0;
            };
            switch (state) {
            case "attached":
                return el !== null;
            case "hidden":
                return el === null || !rendered(el);
            default: // visible
                return el !== null && rendered(el);
            }
        })(%s, %s)`, jsonEncode(selector), jsonEncode(string(state)))
}

// clickScript clicks the first match and returns an error string or null.
func clickScript(selector string) string {
	return fmt.Sprintf(`
        (function(sel) {
            const el = document.querySelector(sel);
            if (!el) return "element not found: " + sel;
            el.click();
            return null;
        })(%s)`, jsonEncode(selector))
}

// fillScript sets the element's value and dispatches the requested
// events so framework listeners observe the change.
func fillScript(selector, value string, events []string) string {
	if events == nil {
		events = []string{}
	}
	return fmt.Sprintf(`
        (function(sel, value, events) {
            const el = document.querySelector(sel);
            if (!el) return "element not found: " + sel;
            if (el.isContentEditable) {
                el.textContent = value;
            } else {
                el.value = value;
            }
            for (const name of events) {
                el.dispatchEvent(new Event(name, { bubbles: true }));
            }
            return null;
        })(%s, %s, %s)`, jsonEncode(selector), jsonEncode(value), jsonEncode(events))
}

// scrapeScript collects one object per container element. A field
// selector that matches nothing yields null for that field; it never
// fails the step.
func scrapeScript(itemSelector string, fields []schemas.FieldSelector) string {
	return fmt.Sprintf(`
        (function(itemSel, fields) {
            const rows = [];
            for (const item of document.querySelectorAll(itemSel)) {
                const row = {};
                for (const f of fields) {
                    const el = item.querySelector(f.selector);
                    if (!el) { row[f.name] = null; continue; }
                    let v = f.attribute ? el.getAttribute(f.attribute) : el.textContent;
                    if (v !== null && Array.isArray(f.post_processing) && f.post_processing.includes("trim")) {
                        v = v.trim();
                    }
                    row[f.name] = v;
                }
                rows.push(row);
            }
            return rows;
        })(%s, %s)`, jsonEncode(itemSelector), jsonEncode(fields))
}

// extractScript reads one value from one element, per target.
func extractScript(selector string, target schemas.ExtractTarget, attribute string) string {
	return fmt.Sprintf(`
        (function(sel, target, attr) {
            const el = document.querySelector(sel);
            if (!el) return { error: "element not found: " + sel };
            let v;
            switch (target) {
            case "html":
                v = el.outerHTML;
                break;
            case "attribute":
                v = el.getAttribute(attr);
                break;
            default:
                v = el.textContent;
            }
            return { value: v };
        })(%s, %s, %s)`, jsonEncode(selector), jsonEncode(string(target)), jsonEncode(attribute))
}
