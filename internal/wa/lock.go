package wa

import (
	"context"
	"fmt"
)

// The lock overlay and the login form are injected page elements. Manual
// pointer and keyboard input lands on the overlay; scripted interaction goes
// through the devtools channel and never touches it.

const lockOverlayID = "campaigner-lock"
const loginFormID = "campaigner-login"

// ShowLoginForm injects the synchronous credential form over the page. The
// form stores its submission on a window global the manager polls; nothing
// proceeds on Enter until a verification succeeds.
func (c *Client) ShowLoginForm(ctx context.Context) error {
	script := fmt.Sprintf(`(() => {
		if (document.getElementById(%s)) return true;
		const wrap = document.createElement('div');
		wrap.id = %s;
		wrap.style.cssText = 'position:fixed;inset:0;z-index:2147483646;background:rgba(17,27,33,.96);' +
			'display:flex;align-items:center;justify-content:center;font-family:sans-serif';
		wrap.innerHTML =
			'<form style="background:#202c33;padding:28px;border-radius:8px;width:320px;color:#e9edef">' +
			'<h3 style="margin:0 0 16px">Acceso de agente</h3>' +
			'<input name="agent" placeholder="Usuario" style="width:100%%;margin-bottom:8px;padding:8px">' +
			'<input name="campaign" placeholder="Campaña" style="width:100%%;margin-bottom:8px;padding:8px">' +
			'<input name="passphrase" type="password" placeholder="Frase del día" style="width:100%%;margin-bottom:12px;padding:8px">' +
			'<div data-role="error" style="color:#f15c6d;min-height:18px;margin-bottom:8px;font-size:13px"></div>' +
			'<button type="submit" style="width:100%%;padding:10px;background:#00a884;border:0;border-radius:4px;color:#fff">Entrar</button>' +
			'</form>';
		wrap.querySelector('form').addEventListener('submit', ev => {
			ev.preventDefault();
			const f = ev.target;
			window.__campaignerLogin = {
				agent: f.agent.value.trim(),
				campaign: f.campaign.value.trim(),
				passphrase: f.passphrase.value
			};
		});
		document.body.appendChild(wrap);
		return true;
	})()`, jsStr(loginFormID), jsStr(loginFormID))
	return c.s.Eval(ctx, script, nil)
}

// LoginSubmission is one submitted credential form.
type LoginSubmission struct {
	Agent      string `json:"agent"`
	Campaign   string `json:"campaign"`
	Passphrase string `json:"passphrase"`
}

// PollLogin returns the pending form submission, or nil when the operator
// has not submitted since the last consume.
func (c *Client) PollLogin(ctx context.Context) (*LoginSubmission, error) {
	var sub *LoginSubmission
	script := `(() => {
		const v = window.__campaignerLogin || null;
		window.__campaignerLogin = null;
		return v;
	})()`
	if err := c.s.Eval(ctx, script, &sub); err != nil {
		return nil, fmt.Errorf("poll login form: %w", err)
	}
	return sub, nil
}

// LoginError surfaces a rejection on the form and keeps it open.
func (c *Client) LoginError(ctx context.Context, message string) error {
	script := fmt.Sprintf(`(() => {
		const form = document.getElementById(%s);
		if (!form) return;
		const slot = form.querySelector('[data-role="error"]');
		if (slot) slot.textContent = %s;
	})()`, jsStr(loginFormID), jsStr(message))
	return c.s.Eval(ctx, script, nil)
}

// RemoveLoginForm takes the credential form down after verification.
func (c *Client) RemoveLoginForm(ctx context.Context) error {
	script := fmt.Sprintf(`(() => {
		const el = document.getElementById(%s);
		if (el) el.remove();
	})()`, jsStr(loginFormID))
	return c.s.Eval(ctx, script, nil)
}

// AssertLock (re)applies the manual-input lock overlay. allowSelector, when
// non-empty, names the one region that stays clickable (the unread monitor
// keeps its filter button usable). Idempotent: the session manager calls it
// from a periodic reconciliation loop.
func (c *Client) AssertLock(ctx context.Context, allowSelector string) error {
	script := fmt.Sprintf(`(() => {
		let overlay = document.getElementById(%s);
		if (!overlay) {
			overlay = document.createElement('div');
			overlay.id = %s;
			overlay.style.cssText = 'position:fixed;inset:0;z-index:2147483645;background:transparent;cursor:not-allowed';
			overlay.addEventListener('keydown', ev => ev.stopPropagation(), true);
			document.body.appendChild(overlay);
		}
		const allow = %s;
		if (allow) {
			const target = document.querySelector(allow);
			if (target) {
				const r = target.getBoundingClientRect();
				overlay.style.clipPath = 'polygon(0 0, 100%% 0, 100%% 100%%, 0 100%%, 0 ' + r.bottom + 'px, ' +
					r.right + 'px ' + r.bottom + 'px, ' + r.right + 'px ' + r.top + 'px, 0 ' + r.top + 'px)';
			}
		}
		return true;
	})()`, jsStr(lockOverlayID), jsStr(lockOverlayID), jsStr(allowSelector))
	return c.s.Eval(ctx, script, nil)
}

// ReleaseLock removes the overlay, used on close.
func (c *Client) ReleaseLock(ctx context.Context) error {
	script := fmt.Sprintf(`(() => {
		const el = document.getElementById(%s);
		if (el) el.remove();
	})()`, jsStr(lockOverlayID))
	return c.s.Eval(ctx, script, nil)
}
