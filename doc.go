// Package finscope provides a financial research agent service.
//
// Finscope answers natural-language financial questions over HTTP. Each
// request is routed to a skill (stock quotes, options, filings, generic
// research), assembled into a prompt with the session's accumulated
// context, and run through an LLM with tool access: structured
// market-data tools discovered from MCP servers, web search, URL
// fetching, a headless browser, and a calculator.
//
// # Quick Start
//
// Install:
//
//	go install github.com/finscope/finscope/cmd/finscope@latest
//
// Start the server with the defaults (OPENAI_API_KEY must be set):
//
//	finscope serve
//
// Or with a config file (see config.example.yaml for every knob):
//
//	finscope serve --config config.yaml
//
// Ask a question:
//
//	curl 'http://localhost:8000/get_chat_response/?question=AAPL+pe+ratio'
//
// # Endpoints
//
// Chat:
//
//	GET/POST /get_chat_response/         blocking answer
//	GET/POST /get_chat_response_stream/  SSE: status, content, sources, complete
//	GET/POST /get_adv_response/          multi-step research, blocking
//	GET/POST /get_adv_response_stream/   multi-step research over SSE
//
// Session context:
//
//	POST /input_webtext/      inject the page the user is viewing
//	POST /clear_messages/     clear a session (?preserve_web=true keeps the page)
//	GET  /get_source_urls/    sources cited in the session so far
//
// An OpenAI-compatible surface is exposed at /v1/models and
// /v1/chat/completions for clients that already speak that protocol.
//
// # Configuration
//
// Configuration is YAML with ${VAR:-default} expansion; secrets (provider
// API keys, FINGPT_API_KEY for bearer auth, SEARCH_API_KEY) come from the
// environment or a .env file. Market-data tools are provided by external
// MCP servers listed under mcp_servers; the service runs without them,
// falling back to web search.
package finscope
