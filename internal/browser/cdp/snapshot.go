package cdp

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/solosway/webscout/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// snapshotScript numbers visible interactive elements and returns the page as JSON.
// Refs are reassigned on every call, so only refs from the latest snapshot are valid.
const snapshotScript = `(function() {
	const maxText = 50000, maxElements = 200, maxImages = 40;
	document.querySelectorAll('[data-ws-ref]').forEach(el => el.removeAttribute('data-ws-ref'));

	const visible = el => {
		const r = el.getBoundingClientRect();
		if (r.width === 0 && r.height === 0) { return false; }
		const s = window.getComputedStyle(el);
		return s.visibility !== 'hidden' && s.display !== 'none';
	};
	const clean = s => (s || '').replace(/\s+/g, ' ').trim().slice(0, 120);
	const roleOf = el => {
		const explicit = el.getAttribute('role');
		if (explicit) { return explicit; }
		const tag = el.tagName.toLowerCase();
		if (tag === 'a') { return 'link'; }
		if (tag === 'button') { return 'button'; }
		if (tag === 'select') { return 'combobox'; }
		if (tag === 'textarea') { return 'textbox'; }
		if (tag === 'input') {
			const t = (el.getAttribute('type') || 'text').toLowerCase();
			if (t === 'submit' || t === 'button' || t === 'image') { return 'button'; }
			if (t === 'checkbox' || t === 'radio') { return t; }
			return 'textbox';
		}
		return tag;
	};
	const labelOf = el => clean(el.getAttribute('aria-label') || el.innerText || el.value ||
		el.getAttribute('placeholder') || el.getAttribute('title') || el.getAttribute('name') || el.getAttribute('alt'));

	const selector = 'a[href], button, input:not([type=hidden]), textarea, select, [role=button], [role=link], [role=searchbox], [contenteditable=true]';
	const elements = [];
	let n = 0;
	for (const el of document.querySelectorAll(selector)) {
		if (elements.length >= maxElements) { break; }
		if (!visible(el)) { continue; }
		n++;
		const ref = 'e' + n;
		el.setAttribute('data-ws-ref', ref);
		const item = { ref: ref, role: roleOf(el), label: labelOf(el) };
		if (el.tagName.toLowerCase() === 'a') { item.href = el.href; }
		if ('value' in el && el.tagName.toLowerCase() !== 'button' && el.value) { item.value = String(el.value).slice(0, 120); }
		elements.push(item);
	}

	const images = [];
	for (const img of document.images) {
		if (images.length >= maxImages) { break; }
		if (!img.currentSrc && !img.src) { continue; }
		images.push({ src: img.currentSrc || img.src, alt: clean(img.alt), width: img.naturalWidth || img.width, height: img.naturalHeight || img.height });
	}

	const text = (document.body ? document.body.innerText : '').slice(0, maxText);
	return JSON.stringify({ url: location.href, title: document.title, text: text, elements: elements, images: images });
})()`

func decodeSnapshot(raw string) (schemas.PageState, error) {
	var state schemas.PageState
	if err := json.UnmarshalFromString(raw, &state); err != nil {
		return schemas.PageState{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return state, nil
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	out, err := json.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return out
}
