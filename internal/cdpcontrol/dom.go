package cdpcontrol

import (
	"encoding/json"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

const jsFind = `var __find = function(loc) {
if (loc.strategy === "css") { return document.querySelector(loc.value); }
var r = document.evaluate(loc.value, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null);
return r.singleNodeValue;
};
`

// InspectScript resolves loc in the page and reports text, visibility and
// centre point. With scroll set the element is scrolled into view first.
func InspectScript(loc types.Locator, scroll bool) string {
	n := loc.Normalize()
	body := jsFind + `var loc = ` + jsJSON(n) + `;
var el = __find(loc);
if (!el) {
return JSON.stringify({ok:false,error_code:"` + CodeElementNotFound + `",error_message:"no element for " + loc.strategy + "=" + loc.value});
}
if (` + jsJSON(scroll) + ` && el.scrollIntoView) { el.scrollIntoView({block:"center",inline:"center"}); }
var rect = el.getBoundingClientRect();
var style = window.getComputedStyle(el);
var visible = rect.width > 0 && rect.height > 0 && style.visibility !== "hidden" && style.display !== "none";
var enabled = !el.disabled && el.getAttribute("aria-disabled") !== "true";
return JSON.stringify({ok:true,data:{
text:String(el.innerText || el.textContent || "").trim(),
visible:visible,
enabled:enabled,
x:rect.left + rect.width / 2,
y:rect.top + rect.height / 2
}});`
	return wrapJSEval(body)
}

// FocusBodyScript moves keyboard focus to the document body so that list
// navigation keys reach the page-level handlers.
func FocusBodyScript() string {
	return wrapJSEval(`var a = document.activeElement;
if (a && a !== document.body && typeof a.blur === "function") { a.blur(); }
if (document.body) { document.body.focus(); }
return JSON.stringify({ok:true});`)
}

// DecodeEnvelope unpacks an evaluation result into out.
func DecodeEnvelope(raw string, out any) error {
	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return newError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

func jsJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func wrapJSEval(body string) string {
	return "(function(){\ntry {\n" + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}
